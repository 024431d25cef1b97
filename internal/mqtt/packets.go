package mqtt

import (
	"bytes"
	"fmt"
)

// ProtocolSignature CONNECT 可变头前8字节: 协议名 "MQTT"、协议级别 4、连接标志 CleanSession
var ProtocolSignature = [8]byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x02}

const connectVariableHeaderLen = 10

type ConnectReturnCode byte

const (
	Accepted ConnectReturnCode = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	AuthenticationFailed
	NotAuthorized
)

// SubackFailure SUBACK 中表示订阅失败的返回码
const SubackFailure byte = 0x80

// Connect 客户端连接请求
type Connect struct {
	Signature [8]byte
	KeepAlive uint16
	ClientID  string
}

// SignatureValid 判断协议签名是否与 broker 支持的签名一致
func (p *Connect) SignatureValid() bool {
	return p.Signature == ProtocolSignature
}

func (p *Connect) Type() PacketType { return CONNECT }

func (p *Connect) Encode() ([]byte, error) {
	header := make([]byte, 0, connectVariableHeaderLen)
	header = append(header, p.Signature[:]...)
	header = append(header, UInt16ToByte(p.KeepAlive)...)
	if len(p.ClientID) > 0xFFFF {
		return nil, fmt.Errorf("client identifier too long: %d", len(p.ClientID))
	}
	return BuildPacket(CONNECT, 0, header, appendString(nil, p.ClientID))
}

// Connack 连接确认
type Connack struct {
	SessionPresent bool
	ReturnCode     ConnectReturnCode
}

func (p *Connack) Type() PacketType { return CONNACK }

func (p *Connack) Encode() ([]byte, error) {
	header := []byte{0x00, byte(p.ReturnCode)}
	if p.SessionPresent {
		header[0] = 0x01
	}
	return BuildPacket(CONNACK, 0, header, nil)
}

// Publish 发布消息
type Publish struct {
	Dup      bool
	QoS      byte
	Retain   bool
	Topic    string
	PacketID uint16
	Payload  []byte
}

func (p *Publish) Type() PacketType { return PUBLISH }

// Flags 由 DUP/QoS/RETAIN 计算固定头标志位
func (p *Publish) Flags() byte {
	var flags byte
	if p.Dup {
		flags |= 0x08
	}
	flags |= (p.QoS & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}
	return flags
}

func (p *Publish) Encode() ([]byte, error) {
	if len(p.Topic) > 0xFFFF {
		return nil, fmt.Errorf("topic too long: %d", len(p.Topic))
	}
	header := appendString(make([]byte, 0, 4+len(p.Topic)), p.Topic)
	if p.QoS > 0 {
		header = append(header, UInt16ToByte(p.PacketID)...)
	}
	return BuildPacket(PUBLISH, p.Flags(), header, p.Payload)
}

// Clone 复制报文，负载独立于原缓冲区
func (p *Publish) Clone() *Publish {
	clone := *p
	clone.Payload = bytes.Clone(p.Payload)
	return &clone
}

// Puback 发布确认
type Puback struct {
	PacketID uint16
}

func (p *Puback) Type() PacketType { return PUBACK }

func (p *Puback) Encode() ([]byte, error) {
	return BuildPacket(PUBACK, 0, UInt16ToByte(p.PacketID), nil)
}

// Subscription SUBSCRIBE 负载中的一项
type Subscription struct {
	Topic string
	QoS   byte
}

// Subscribe 订阅请求
type Subscribe struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func (p *Subscribe) Type() PacketType { return SUBSCRIBE }

func (p *Subscribe) Encode() ([]byte, error) {
	payload := make([]byte, 0)
	for _, sub := range p.Subscriptions {
		payload = appendString(payload, sub.Topic)
		payload = append(payload, sub.QoS)
	}
	return BuildPacket(SUBSCRIBE, SubscribeFlags, UInt16ToByte(p.PacketID), payload)
}

// Suback 订阅确认
type Suback struct {
	PacketID    uint16
	ReturnCodes []byte
}

func (p *Suback) Type() PacketType { return SUBACK }

func (p *Suback) Encode() ([]byte, error) {
	return BuildPacket(SUBACK, 0, UInt16ToByte(p.PacketID), p.ReturnCodes)
}

// Unsubscribe 取消订阅请求
type Unsubscribe struct {
	PacketID uint16
	Topics   []string
}

func (p *Unsubscribe) Type() PacketType { return UNSUBSCRIBE }

func (p *Unsubscribe) Encode() ([]byte, error) {
	payload := make([]byte, 0)
	for _, topic := range p.Topics {
		payload = appendString(payload, topic)
	}
	return BuildPacket(UNSUBSCRIBE, SubscribeFlags, UInt16ToByte(p.PacketID), payload)
}

// Unsuback 取消订阅确认
type Unsuback struct {
	PacketID uint16
}

func (p *Unsuback) Type() PacketType { return UNSUBACK }

func (p *Unsuback) Encode() ([]byte, error) {
	return BuildPacket(UNSUBACK, 0, UInt16ToByte(p.PacketID), nil)
}

type PingReq struct{}

func (p *PingReq) Type() PacketType { return PINGREQ }

func (p *PingReq) Encode() ([]byte, error) { return BuildPacket(PINGREQ, 0, nil, nil) }

type PingResp struct{}

func (p *PingResp) Type() PacketType { return PINGRESP }

func (p *PingResp) Encode() ([]byte, error) { return BuildPacket(PINGRESP, 0, nil, nil) }

type Disconnect struct{}

func (p *Disconnect) Type() PacketType { return DISCONNECT }

func (p *Disconnect) Encode() ([]byte, error) { return BuildPacket(DISCONNECT, 0, nil, nil) }

// Decode 按报文类型解析可变头和负载
func Decode(header FixedHeader, body []byte) (Packet, error) {
	if len(body) != header.RemainingLength {
		return nil, fmt.Errorf("%w: declared remaining length %d, got %d bytes", ErrMalformedPacket, header.RemainingLength, len(body))
	}
	if _, known := PacketTypeMap[header.Type]; !known || header.Type == PUBREC || header.Type == PUBREL || header.Type == PUBCOMP {
		return nil, fmt.Errorf("%w: %s (%d)", ErrUnsupportedPacket, header.Type, byte(header.Type))
	}
	if !ValidateFlags(header.Type, header.Flags) {
		return nil, fmt.Errorf("%w: flags %04b of %s packet is not valid", ErrProtocolViolation, header.Flags, header.Type)
	}

	reader := newPayloadReader(body)
	switch header.Type {
	case CONNECT:
		return decodeConnect(reader)
	case CONNACK:
		return decodeConnack(reader)
	case PUBLISH:
		return decodePublish(header.Flags, reader)
	case PUBACK:
		id, err := reader.readUint16()
		if err != nil {
			return nil, err
		}
		return &Puback{PacketID: id}, nil
	case SUBSCRIBE:
		return decodeSubscribe(reader)
	case SUBACK:
		id, err := reader.readUint16()
		if err != nil {
			return nil, err
		}
		return &Suback{PacketID: id, ReturnCodes: bytes.Clone(reader.rest())}, nil
	case UNSUBSCRIBE:
		return decodeUnsubscribe(reader)
	case UNSUBACK:
		id, err := reader.readUint16()
		if err != nil {
			return nil, err
		}
		return &Unsuback{PacketID: id}, nil
	case PINGREQ:
		return &PingReq{}, nil
	case PINGRESP:
		return &PingResp{}, nil
	case DISCONNECT:
		return &Disconnect{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPacket, header.Type)
}

func decodeConnect(reader *payloadReader) (*Connect, error) {
	header, err := reader.readBytes(connectVariableHeaderLen)
	if err != nil {
		return nil, fmt.Errorf("connect variable header: %w", err)
	}
	result := &Connect{}
	copy(result.Signature[:], header[:8])
	result.KeepAlive = uint16(header[8])<<8 | uint16(header[9])

	clientID, err := reader.readString()
	if err != nil {
		return nil, fmt.Errorf("client ID: %w", err)
	}
	result.ClientID = clientID
	return result, nil
}

func decodeConnack(reader *payloadReader) (*Connack, error) {
	data, err := reader.readBytes(2)
	if err != nil {
		return nil, err
	}
	return &Connack{SessionPresent: data[0]&0x01 == 1, ReturnCode: ConnectReturnCode(data[1])}, nil
}

func decodePublish(flags byte, reader *payloadReader) (*Publish, error) {
	result := &Publish{
		Dup:    (flags&0x08)>>3 == 1,
		QoS:    (flags & 0x06) >> 1,
		Retain: flags&0x01 == 1,
	}

	topic, err := reader.readString()
	if err != nil {
		return nil, fmt.Errorf("error occured when reading topic name, details: %w", err)
	}
	result.Topic = topic

	if result.QoS > 0 {
		id, err := reader.readUint16()
		if err != nil {
			return nil, fmt.Errorf("error occured when reading packet ID, details: %w", err)
		}
		if id == 0 {
			return nil, fmt.Errorf("%w: packet ID must not be 0", ErrProtocolViolation)
		}
		result.PacketID = id
	}

	result.Payload = bytes.Clone(reader.rest())
	return result, nil
}

func decodeSubscribe(reader *payloadReader) (*Subscribe, error) {
	id, err := reader.readUint16()
	if err != nil {
		return nil, fmt.Errorf("error occured when reading packet ID, details: %w", err)
	}
	result := &Subscribe{PacketID: id, Subscriptions: make([]Subscription, 0)}

	for reader.remaining() > 0 {
		topic, err := reader.readString()
		if err != nil {
			return nil, fmt.Errorf("error occured when reading topic filter, details: %w", err)
		}
		if topic == "" {
			return nil, fmt.Errorf("%w: empty topic filter", ErrMalformedPacket)
		}
		qos, err := reader.readByte()
		if err != nil {
			return nil, fmt.Errorf("error occured when reading qos level, details: %w", err)
		}
		result.Subscriptions = append(result.Subscriptions, Subscription{Topic: topic, QoS: qos})
	}
	return result, nil
}

func decodeUnsubscribe(reader *payloadReader) (*Unsubscribe, error) {
	id, err := reader.readUint16()
	if err != nil {
		return nil, fmt.Errorf("error occured when reading packet ID, details: %w", err)
	}
	result := &Unsubscribe{PacketID: id, Topics: make([]string, 0)}

	for reader.remaining() > 0 {
		topic, err := reader.readString()
		if err != nil {
			return nil, fmt.Errorf("error occured when reading topic filter, details: %w", err)
		}
		result.Topics = append(result.Topics, topic)
	}
	return result, nil
}
