package relay

import (
	"io"
	"sync"
)

// Registry 记录当前在线的连接，便于关闭服务时统一断开
type Registry struct {
	connections map[string]io.Closer
	mu          sync.RWMutex
}

// NewRegistry 创建连接注册表
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]io.Closer),
	}
}

// Add 添加连接
func (r *Registry) Add(sessionID string, conn io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 如果已存在连接，先关闭旧连接
	if old, exists := r.connections[sessionID]; exists && old != conn {
		_ = old.Close()
	}

	r.connections[sessionID] = conn
}

// Get 获取连接
func (r *Registry) Get(sessionID string) (io.Closer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[sessionID]
	return conn, exists
}

// Remove 移除连接，不关闭连接本身
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, sessionID)
}

// Count 返回在线连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll 关闭所有连接
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]io.Closer, 0, len(r.connections))
	for sessionID, conn := range r.connections {
		conns = append(conns, conn)
		delete(r.connections, sessionID)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
