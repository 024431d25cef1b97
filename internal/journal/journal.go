// Package journal 异步记录被接受的发布消息，broker 不会因写入阻塞
package journal

import (
	"context"
	"sync"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
)

const maxBatch = 64

type Journal struct {
	store  Store
	ch     chan MessageRecord
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func New(store Store, buffer int) *Journal {
	if buffer <= 0 {
		buffer = 1
	}
	j := &Journal{
		store: store,
		ch:    make(chan MessageRecord, buffer),
		done:  make(chan struct{}),
	}
	go j.startWorker()
	return j
}

// Record 尝试入队，缓冲区已满或已关闭时返回 false
func (j *Journal) Record(record MessageRecord) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return false
	}
	select {
	case j.ch <- record:
		return true
	default:
		logger.WarnF("Journal buffer full, dropping message client_id=%s packet_id=%d", record.ClientID, record.PacketID)
		return false
	}
}

func (j *Journal) startWorker() {
	defer close(j.done)
	batch := make([]MessageRecord, 0, maxBatch)
	for record := range j.ch {
		batch = append(batch, record)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-j.ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := j.store.SaveMessages(context.Background(), batch); err != nil {
			logger.ErrorF("Fail to save %d journal messages, details: %v", len(batch), err)
		}
		batch = batch[:0]
	}
}

// Invoke 关闭入口，等待缓冲区写完后关闭存储
func (j *Journal) Invoke(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return j.store.Close(ctx)
}
