package whatsmeow

import (
	"sync"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// sentCache guarda as últimas mensagens enviadas para responder pedidos de
// reenvio (retry receipts) de dispositivos do destinatário.
type sentCache struct {
	mu       sync.RWMutex
	messages map[string]*waE2E.Message
	order    []string
	maxSize  int
}

func newSentCache(maxSize int) *sentCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &sentCache{
		messages: make(map[string]*waE2E.Message),
		order:    make([]string, 0, maxSize),
		maxSize:  maxSize,
	}
}

func cacheKey(chat types.JID, id types.MessageID) string {
	return chat.ToNonAD().String() + "/" + id
}

func (c *sentCache) put(chat types.JID, id types.MessageID, msg *waE2E.Message) {
	key := cacheKey(chat, id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.messages[key]; ok {
		c.messages[key] = msg
		return
	}

	// FIFO
	if len(c.order) >= c.maxSize {
		oldest := c.order[0]
		delete(c.messages, oldest)
		c.order = c.order[1:]
	}
	c.messages[key] = msg
	c.order = append(c.order, key)
}

func (c *sentCache) get(chat types.JID, id types.MessageID) *waE2E.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages[cacheKey(chat, id)]
}

func (c *sentCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
