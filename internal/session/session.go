package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/mqtt"
)

// SendFunc 将编码好的帧写入 handle 对应的连接
type SendFunc func(handle string, frame []byte) error

type SubscribeResult int

const (
	Subscribed SubscribeResult = iota
	AlreadySubscribed
	SubscriptionsFull
)

// OutboundSlot 一条等待 PUBACK 的 QoS1 消息，Type 为零表示空槽位
type OutboundSlot struct {
	Type      mqtt.PacketType
	PacketID  uint16
	Packet    *mqtt.Publish
	Handle    string
	FirstSent bool
	LastSent  time.Time
	Attempts  int
}

func (slot *OutboundSlot) occupied() bool {
	return slot.Type != 0
}

// Session 单个客户端标识的服务端状态，生命周期长于连接，
// 客户端离线时 handle 为空
type Session struct {
	mu             sync.Mutex
	clientID       string
	handle         string
	keepAlive      uint16
	topics         []string
	lastReceivedID uint16
	queue          []OutboundSlot
}

func newSession(maxTopics, maxQueue int) *Session {
	return &Session{
		topics: make([]string, maxTopics),
		queue:  make([]OutboundSlot, maxQueue),
	}
}

func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *Session) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) KeepAlive() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlive
}

func (s *Session) LastReceivedID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReceivedID
}

// Topics 按槽位顺序返回已订阅主题
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]string, 0, len(s.topics))
	for _, topic := range s.topics {
		if topic != "" {
			result = append(result, topic)
		}
	}
	return result
}

// Inflight 返回已占用发送槽位的副本
func (s *Session) Inflight() []OutboundSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]OutboundSlot, 0)
	for _, slot := range s.queue {
		if slot.occupied() {
			result = append(result, slot)
		}
	}
	return result
}

// MarkReceived 记录最后收到的报文标识符，返回是否与上一次重复
func (s *Session) MarkReceived(id uint16) (duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReceivedID == id {
		return true
	}
	s.lastReceivedID = id
	return false
}

func (s *Session) IsSubscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.topics, topic)
}

func (s *Session) Subscribe(topic string) SubscribeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if topic == "" {
		return SubscriptionsFull
	}
	if slices.Contains(s.topics, topic) {
		return AlreadySubscribed
	}
	free := slices.Index(s.topics, "")
	if free < 0 {
		return SubscriptionsFull
	}
	s.topics[free] = topic
	return Subscribed
}

func (s *Session) Unsubscribe(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := slices.Index(s.topics, topic)
	if index < 0 || topic == "" {
		return false
	}
	s.topics[index] = ""
	return true
}

// Delivery 描述入队后第一次发送的结果
type Delivery struct {
	Slot   int
	Handle string
	Err    error
}

// Enqueue 将 packet 的副本放入第一个空槽位并立即尝试发送到当前连接。
// 槽位状态在 s.mu 内修改，写入在释放锁之后进行；
// 首次发送失败或会话离线时槽位同样进入重发周期
func (s *Session) Enqueue(packet *mqtt.Publish, send SendFunc, now time.Time) (Delivery, error) {
	frame, err := packet.Encode()
	if err != nil {
		return Delivery{Slot: -1}, err
	}

	s.mu.Lock()
	slot := slices.IndexFunc(s.queue, func(o OutboundSlot) bool { return !o.occupied() })
	if slot < 0 {
		clientID := s.clientID
		s.mu.Unlock()
		return Delivery{Slot: -1}, fmt.Errorf("%w: client_id=%s", ErrQueueFull, clientID)
	}
	s.queue[slot] = OutboundSlot{
		Type:      mqtt.PUBLISH,
		PacketID:  packet.PacketID,
		Packet:    packet.Clone(),
		Handle:    s.handle,
		FirstSent: true,
		LastSent:  now,
		Attempts:  1,
	}
	delivery := Delivery{Slot: slot, Handle: s.handle}
	s.mu.Unlock()

	if delivery.Handle == "" {
		delivery.Err = ErrOffline
		return delivery, nil
	}
	delivery.Err = send(delivery.Handle, frame)
	return delivery, nil
}

// Acknowledge 清除第一个报文标识符匹配的已占用槽位
func (s *Session) Acknowledge(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].occupied() && s.queue[i].PacketID == id {
			s.queue[i] = OutboundSlot{}
			return nil
		}
	}
	return fmt.Errorf("%w: client_id=%s packet_id=%d", ErrNoInflight, s.clientID, id)
}

type pendingResend struct {
	slot     int
	packetID uint16
	handle   string
	frame    []byte
}

// Resend 将距上次发送超过 interval 的槽位重发到会话当前的连接，force 忽略计时。
// 离线会话跳过。计时与计数在锁内更新，写入在锁外进行，
// 期间到达的 PUBACK 照常清除槽位，客户端最多多收到一次重复消息
func (s *Session) Resend(now time.Time, interval time.Duration, force bool, send SendFunc) (int, error) {
	var errs []error
	pending := make([]pendingResend, 0)

	s.mu.Lock()
	if s.handle == "" {
		s.mu.Unlock()
		return 0, nil
	}
	for i := range s.queue {
		entry := &s.queue[i]
		if !entry.occupied() || !entry.FirstSent {
			continue
		}
		if !force && now.Sub(entry.LastSent) <= interval {
			continue
		}
		frame, err := entry.Packet.Encode()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entry.Handle = s.handle
		entry.LastSent = now
		entry.Attempts++
		pending = append(pending, pendingResend{slot: i, packetID: entry.PacketID, handle: entry.Handle, frame: frame})
	}
	s.mu.Unlock()

	resent := 0
	for _, p := range pending {
		if err := send(p.handle, p.frame); err != nil {
			errs = append(errs, fmt.Errorf("slot %d packet_id=%d: %w", p.slot, p.packetID, err))
			continue
		}
		resent++
	}
	return resent, errors.Join(errs...)
}
