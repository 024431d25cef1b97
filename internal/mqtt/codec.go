package mqtt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// UInt16ToByte 大端序编码两字节整数
func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

// EncodeRemainingLength 将剩余长度编码为 1~4 字节的变长整数
func EncodeRemainingLength(x int) ([]byte, error) {
	if x < 0 || x > MaxRemainingLength {
		return nil, fmt.Errorf("%w: %d", ErrRemainingLengthMax, x)
	}
	var buf [4]byte
	i := 0
	for {
		buf[i] = byte(x % 128)
		x /= 128
		if x > 0 {
			buf[i] |= 128
		}
		i++
		if x == 0 {
			break
		}
	}
	return buf[:i], nil
}

// DecodeRemainingLength 从缓冲区头部解码剩余长度，返回值与消耗的字节数
func DecodeRemainingLength(buf []byte) (int, int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		if i >= len(buf) {
			return 0, 0, fmt.Errorf("%w: truncated remaining length", ErrMalformedPacket)
		}
		encodedByte := buf[i]
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %w", ErrMalformedPacket, ErrRemainingLength)
}

// ReadRemainingLength 从字节流中逐字节解码剩余长度
func ReadRemainingLength(r io.Reader) (int, error) {
	var encoded [4]byte
	one := make([]byte, 1)
	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(r, one); err != nil {
			return 0, err
		}
		encoded[i] = one[0]
		if one[0]&128 == 0 {
			value, _, err := DecodeRemainingLength(encoded[:i+1])
			return value, err
		}
	}
	return 0, fmt.Errorf("%w: %w", ErrMalformedPacket, ErrRemainingLength)
}

// BuildPacket 组装完整报文：固定头 + 剩余长度 + 可变头 + 负载
func BuildPacket(pt PacketType, flags byte, variableHeader []byte, payload []byte) ([]byte, error) {
	remaining := len(variableHeader) + len(payload)
	encodedLength, err := EncodeRemainingLength(remaining)
	if err != nil {
		return nil, err
	}

	packet := make([]byte, 0, 1+len(encodedLength)+remaining)
	packet = append(packet, byte(pt)<<4|flags&0x0F)
	packet = append(packet, encodedLength...)
	packet = append(packet, variableHeader...)
	packet = append(packet, payload...)
	return packet, nil
}

// ReadFrame 从字节流读取一个完整的报文帧，帧长上限为 DefaultMaxPacketSize
func ReadFrame(r io.Reader) (FixedHeader, []byte, error) {
	return ReadFrameLimit(r, DefaultMaxPacketSize)
}

// ReadFrameLimit 从字节流读取一个完整的报文帧。
// 剩余长度超过 maxSize 时不读取报文体，返回已解析的固定头与 ErrPacketTooLarge，
// 调用方可以据此跳过 RemainingLength 字节后继续读取
func ReadFrameLimit(r io.Reader, maxSize int) (FixedHeader, []byte, error) {
	// 读取固定头
	typeAndFlags := make([]byte, 1)
	if _, err := io.ReadFull(r, typeAndFlags); err != nil {
		return FixedHeader{}, nil, err
	}

	// 解析剩余长度
	remaining, err := ReadRemainingLength(r)
	if err != nil {
		return FixedHeader{}, nil, err
	}

	header := FixedHeader{
		Type:            PacketType(typeAndFlags[0] >> 4),
		Flags:           typeAndFlags[0] & 0x0F,
		RemainingLength: remaining,
	}
	if maxSize > 0 && remaining > maxSize {
		return header, nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, remaining, maxSize)
	}

	// 读取可变头+有效载荷
	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return FixedHeader{}, nil, err
	}
	return header, body, nil
}

// Parse 解析缓冲区中的一个完整报文
func Parse(buf []byte) (Packet, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: buffer too short", ErrMalformedPacket)
	}
	remaining, consumed, err := DecodeRemainingLength(buf[1:])
	if err != nil {
		return nil, err
	}
	start := 1 + consumed
	if len(buf)-start < remaining {
		return nil, fmt.Errorf("%w: declared remaining length %d, got %d bytes", ErrMalformedPacket, remaining, len(buf)-start)
	}
	header := FixedHeader{
		Type:            PacketType(buf[0] >> 4),
		Flags:           buf[0] & 0x0F,
		RemainingLength: remaining,
	}
	return Decode(header, buf[start:start+remaining])
}

// payloadReader 顺序读取可变头与负载
type payloadReader struct {
	context    []byte
	contextLen int
	currentPtr int
}

func newPayloadReader(body []byte) *payloadReader {
	return &payloadReader{context: body, contextLen: len(body)}
}

func (p *payloadReader) remaining() int {
	return p.contextLen - p.currentPtr
}

func (p *payloadReader) readByte() (byte, error) {
	if p.currentPtr >= p.contextLen {
		return 0, fmt.Errorf("%w: unexpected end of packet", ErrMalformedPacket)
	}
	b := p.context[p.currentPtr]
	p.currentPtr++
	return b, nil
}

func (p *payloadReader) readBytes(length int) ([]byte, error) {
	end := p.currentPtr + length
	if length < 0 || end > p.contextLen {
		return nil, fmt.Errorf("%w: need %d bytes, %d left", ErrMalformedPacket, length, p.remaining())
	}
	data := p.context[p.currentPtr:end]
	p.currentPtr = end
	return data, nil
}

func (p *payloadReader) readUint16() (uint16, error) {
	data, err := p.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(data), nil
}

// readString 读取两字节长度前缀的字段
func (p *payloadReader) readString() (string, error) {
	length, err := p.readUint16()
	if err != nil {
		return "", err
	}
	data, err := p.readBytes(int(length))
	if err != nil {
		return "", fmt.Errorf("%w: field length %d exceeds buffer", ErrMalformedPacket, length)
	}
	return string(data), nil
}

func (p *payloadReader) rest() []byte {
	data := p.context[p.currentPtr:]
	p.currentPtr = p.contextLen
	return data
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, UInt16ToByte(uint16(len(s)))...)
	return append(dst, s...)
}
