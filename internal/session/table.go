// Package session 固定容量的会话表，由所有连接任务与重发引擎共享。
//
// 加锁顺序: Table.mu 保护槽位分配与两个索引，Session.mu 保护单个会话的状态。
// 需要同时持有时总是先取 Table.mu，持有 Session.mu 期间不做任何网络写入
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTableFull       = errors.New("no free session slot")
	ErrInvalidClientID = errors.New("client identifier is empty")
	ErrQueueFull       = errors.New("outbound queue full")
	ErrNoInflight      = errors.New("no in-flight publish matches packet id")
	ErrOffline         = errors.New("session has no live connection")
)

// Table 按客户端标识与连接句柄索引的定长会话数组
type Table struct {
	mu        sync.Mutex
	slots     []*Session
	byClient  map[string]int
	byHandle  map[string]int
	maxTopics int
	maxQueue  int
}

func NewTable(maxSessions, maxTopics, maxQueue int) *Table {
	slots := make([]*Session, maxSessions)
	for i := range slots {
		slots[i] = newSession(maxTopics, maxQueue)
	}
	return &Table{
		slots:     slots,
		byClient:  make(map[string]int),
		byHandle:  make(map[string]int),
		maxTopics: maxTopics,
		maxQueue:  maxQueue,
	}
}

func (t *Table) Capacity() int {
	return len(t.slots)
}

// ConnectResult 连接绑定会话的结果
type ConnectResult struct {
	Session        *Session
	SessionPresent bool
	// PreviousHandle 恢复会话时被替换的旧连接句柄
	PreviousHandle string
}

// Connect 将 handle 绑定到 clientID 对应的会话，会话不存在时占用第一个空槽位
func (t *Table) Connect(clientID string, handle string, keepAlive uint16) (ConnectResult, error) {
	if clientID == "" {
		return ConnectResult{}, ErrInvalidClientID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if index, ok := t.byClient[clientID]; ok {
		s := t.slots[index]
		s.mu.Lock()
		previous := s.handle
		s.handle = handle
		s.keepAlive = keepAlive
		s.mu.Unlock()

		if previous != "" {
			delete(t.byHandle, previous)
		}
		t.byHandle[handle] = index
		return ConnectResult{Session: s, SessionPresent: true, PreviousHandle: previous}, nil
	}

	for index, s := range t.slots {
		s.mu.Lock()
		if s.clientID != "" {
			s.mu.Unlock()
			continue
		}
		s.clientID = clientID
		s.handle = handle
		s.keepAlive = keepAlive
		s.mu.Unlock()

		t.byClient[clientID] = index
		t.byHandle[handle] = index
		return ConnectResult{Session: s}, nil
	}
	return ConnectResult{}, fmt.Errorf("%w: capacity %d, client_id=%s", ErrTableFull, len(t.slots), clientID)
}

func (t *Table) FindByHandle(handle string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index, ok := t.byHandle[handle]; ok && handle != "" {
		return t.slots[index], nil
	}
	return nil, fmt.Errorf("%w: handle=%s", ErrSessionNotFound, handle)
}

func (t *Table) FindByClientID(clientID string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index, ok := t.byClient[clientID]; ok {
		return t.slots[index], nil
	}
	return nil, fmt.Errorf("%w: client_id=%s", ErrSessionNotFound, clientID)
}

// Detach 解除 handle 与会话的绑定并重置去重状态，
// 会话保留标识、订阅与发送队列
func (t *Table) Detach(handle string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	index, ok := t.byHandle[handle]
	if !ok || handle == "" {
		return nil, fmt.Errorf("%w: handle=%s", ErrSessionNotFound, handle)
	}
	delete(t.byHandle, handle)

	s := t.slots[index]
	s.mu.Lock()
	s.handle = ""
	s.lastReceivedID = 0
	s.mu.Unlock()
	return s, nil
}

// Sessions 按槽位顺序返回所有已占用的会话。
// 快照只依据 t.mu 保护的 byClient 构建，不获取任何 Session.mu
func (t *Table) Sessions() []*Session {
	t.mu.Lock()
	indexes := make([]int, 0, len(t.byClient))
	for _, index := range t.byClient {
		indexes = append(indexes, index)
	}
	t.mu.Unlock()

	slices.Sort(indexes)
	result := make([]*Session, 0, len(indexes))
	for _, index := range indexes {
		result = append(result, t.slots[index])
	}
	return result
}

// Subscribers 返回订阅了 topic 的会话，跳过 exclude
func (t *Table) Subscribers(topic string, exclude *Session) []*Session {
	result := make([]*Session, 0)
	for _, s := range t.Sessions() {
		if s == exclude {
			continue
		}
		if s.IsSubscribed(topic) {
			result = append(result, s)
		}
	}
	return result
}

// Connected 当前绑定了连接的会话数量
func (t *Table) Connected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byHandle)
}
