package memory

import (
	"fmt"
	"sync"
)

// BufferPool manages a pool of float32 buffers of a fixed size
type BufferPool struct {
	buffers    chan []float32 // Available buffers
	maxSize    int            // Pool size limit
	bufferSize int            // Fixed buffer length (elements) for this pool
	allocated  int            // Current number of allocated buffers
	mutex      sync.RWMutex   // Protects allocated counter
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxSize int) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float32, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
	}
}

// Get retrieves a buffer from the pool or allocates a new one
func (bp *BufferPool) Get() ([]float32, error) {
	select {
	case buffer := <-bp.buffers:
		return buffer, nil
	default:
		bp.mutex.Lock()
		canAllocate := bp.allocated < bp.maxSize
		if canAllocate {
			bp.allocated++
		}
		bp.mutex.Unlock()

		if !canAllocate {
			return nil, fmt.Errorf("buffer pool at capacity (%d)", bp.maxSize)
		}

		return make([]float32, bp.bufferSize), nil
	}
}

// Return puts a buffer back into the pool
func (bp *BufferPool) Return(buffer []float32) {
	if buffer == nil {
		return
	}

	select {
	case bp.buffers <- buffer[:bp.bufferSize]:
	default:
		// Pool is full, let the buffer go
		bp.mutex.Lock()
		bp.allocated--
		bp.mutex.Unlock()
	}
}

// Drain drops every idle buffer held by the pool and returns how many were dropped
func (bp *BufferPool) Drain() int {
	dropped := 0
	for {
		select {
		case <-bp.buffers:
			dropped++
		default:
			bp.mutex.Lock()
			bp.allocated -= dropped
			bp.mutex.Unlock()
			return dropped
		}
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	bp.mutex.RLock()
	defer bp.mutex.RUnlock()
	return len(bp.buffers), bp.allocated, bp.maxSize
}

// PoolStats summarizes one pool tier
type PoolStats struct {
	BufferSize int
	Available  int
	Allocated  int
	MaxSize    int
}

// MemoryManager hands out pooled buffers grouped into size tiers
type MemoryManager struct {
	pools      map[int]*BufferPool // Pools by buffer length
	poolsMutex sync.RWMutex

	// Pool size tiers (in float32 elements)
	poolSizes []int
}

// Default pool sizes: 256 elements up to 16M elements
var defaultPoolSizes = []int{
	256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216,
}

// NewMemoryManager creates a new memory manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		pools:     make(map[int]*BufferPool),
		poolSizes: defaultPoolSizes,
	}
}

// GetBuffer returns a zeroed buffer of exactly size elements backed by a pooled allocation
func (mm *MemoryManager) GetBuffer(size int) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}

	pool := mm.getOrCreatePool(mm.findPoolSize(size))
	buffer, err := pool.Get()
	if err != nil {
		return nil, err
	}

	buffer = buffer[:size]
	for i := range buffer {
		buffer[i] = 0
	}
	return buffer, nil
}

// ReturnBuffer returns a buffer to the appropriate pool
func (mm *MemoryManager) ReturnBuffer(buffer []float32) {
	if buffer == nil {
		return
	}

	poolSize := mm.findPoolSize(len(buffer))
	if cap(buffer) < poolSize {
		// Not one of ours
		return
	}

	mm.poolsMutex.RLock()
	pool, exists := mm.pools[poolSize]
	mm.poolsMutex.RUnlock()

	if exists {
		pool.Return(buffer[:poolSize])
	}
}

// EmptyCache releases every idle pooled buffer and returns the number released
func (mm *MemoryManager) EmptyCache() int {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	released := 0
	for _, pool := range mm.pools {
		released += pool.Drain()
	}
	return released
}

// findPoolSize finds the smallest pool size that can accommodate the request
func (mm *MemoryManager) findPoolSize(size int) int {
	for _, poolSize := range mm.poolSizes {
		if poolSize >= size {
			return poolSize
		}
	}
	// If size is larger than largest pool, use the requested size
	return size
}

// getOrCreatePool gets an existing pool or creates a new one
func (mm *MemoryManager) getOrCreatePool(size int) *BufferPool {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[size]
	mm.poolsMutex.RUnlock()

	if exists {
		return pool
	}

	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := mm.pools[size]; exists {
		return pool
	}

	pool = NewBufferPool(size, calculateMaxPoolSize(size))
	mm.pools[size] = pool
	return pool
}

// calculateMaxPoolSize determines the maximum number of buffers for a pool
func calculateMaxPoolSize(bufferSize int) int {
	// Smaller buffers get larger pools
	switch {
	case bufferSize <= 1024:
		return 100
	case bufferSize <= 16384:
		return 50
	case bufferSize <= 262144:
		return 20
	case bufferSize <= 4194304:
		return 10
	default:
		return 5
	}
}

// Stats returns memory manager statistics
func (mm *MemoryManager) Stats() []PoolStats {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	stats := make([]PoolStats, 0, len(mm.pools))
	for _, size := range mm.poolSizes {
		if pool, ok := mm.pools[size]; ok {
			available, allocated, maxSize := pool.Stats()
			stats = append(stats, PoolStats{size, available, allocated, maxSize})
		}
	}
	for size, pool := range mm.pools {
		if !isTier(mm.poolSizes, size) {
			available, allocated, maxSize := pool.Stats()
			stats = append(stats, PoolStats{size, available, allocated, maxSize})
		}
	}
	return stats
}

func isTier(tiers []int, size int) bool {
	for _, s := range tiers {
		if s == size {
			return true
		}
	}
	return false
}
