// Package mqtt 实现了 broker 使用的 MQTT 报文编解码
package mqtt

import "errors"

// PacketType 定义了MQTT控制报文的类型
type PacketType byte

// MQTT 控制报文类型常量定义
const (
	CONNECT     PacketType = iota + 1 // 客户端请求连接到服务器
	CONNACK                           // 连接确认
	PUBLISH                           // 发布消息
	PUBACK                            // 发布确认
	PUBREC                            // 发布收到（QoS 2，不支持）
	PUBREL                            // 发布释放（QoS 2，不支持）
	PUBCOMP                           // 发布完成（QoS 2，不支持）
	SUBSCRIBE                         // 订阅请求
	SUBACK                            // 订阅确认
	UNSUBSCRIBE                       // 取消订阅
	UNSUBACK                          // 取消订阅确认
	PINGREQ                           // 心跳请求
	PINGRESP                          // 心跳响应
	DISCONNECT                        // 断开连接
)

// PacketTypeMap 将PacketType映射到其字符串表示
var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

// String 返回PacketType的字符串表示
func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return "UNKNOWN"
}

// requiredFlags 定义了除 PUBLISH 外每种报文类型固定的标志位
var requiredFlags = map[PacketType]byte{
	CONNECT:     0x00,
	CONNACK:     0x00,
	PUBACK:      0x00,
	SUBSCRIBE:   0x02,
	SUBACK:      0x00,
	UNSUBSCRIBE: 0x02,
	UNSUBACK:    0x00,
	PINGREQ:     0x00,
	PINGRESP:    0x00,
	DISCONNECT:  0x00,
}

const (
	// MaxRemainingLength 剩余长度字段可表示的最大值（4字节）
	MaxRemainingLength = 268435455

	// DefaultMaxPacketSize 默认允许读取的最大剩余长度
	DefaultMaxPacketSize = 256 * 1024

	// SubscribeFlags SUBSCRIBE/UNSUBSCRIBE 报文固定的标志位
	SubscribeFlags byte = 0x02
)

var (
	ErrMalformedPacket    = errors.New("malformed packet")
	ErrUnsupportedPacket  = errors.New("unsupported packet type")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrRemainingLength    = errors.New("the remaining length exceeds the 4 byte limit")
	ErrRemainingLengthMax = errors.New("the remaining length exceeds the protocol maximum")
	ErrPacketTooLarge     = errors.New("packet exceeds the maximum packet size")
)

// FixedHeader 定义了MQTT固定头部结构
type FixedHeader struct {
	Type            PacketType // 报文类型
	Flags           byte       // 标志位
	RemainingLength int        // 剩余长度
}

// Packet 是所有报文变体的公共接口
type Packet interface {
	Type() PacketType
	Encode() ([]byte, error)
}

// ValidateFlags 检查报文标志位是否符合协议要求
func ValidateFlags(pt PacketType, flags byte) bool {
	if pt == PUBLISH {
		return (flags&0x06)>>1 != 3
	}
	required, ok := requiredFlags[pt]
	if !ok {
		return false
	}
	return flags == required
}
