package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/junbin-yang/uarq-go/pkg/utils/logger"
)

// tableEntry 会话表条目
type tableEntry struct {
	key      string
	session  *Session
	lastSeen time.Time
	element  *list.Element
}

// Table 按远端地址索引的会话表，容量满时淘汰最久未活动的会话，超过TTL未活动的会话由Evict清理
// 淘汰回调在释放锁之后执行，回调内可以再次访问Table
type Table struct {
	mu sync.Mutex

	entries map[string]*tableEntry
	lru     *list.List // 头部最近活动

	maxSize int
	ttl     time.Duration
	onEvict func(key string, s *Session)
	now     func() time.Time

	evictions uint64

	log *logger.Logger
}

// TableConfig 会话表配置
type TableConfig struct {
	MaxSize int
	TTL     time.Duration // 0表示不按时间清理
	OnEvict func(key string, s *Session)
}

func NewTable(cfg TableConfig) *Table {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1024
	}
	return &Table{
		entries: make(map[string]*tableEntry),
		lru:     list.New(),
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		onEvict: cfg.OnEvict,
		now:     time.Now,
		log:     logger.Default().Named("table"),
	}
}

// Get 查找会话并标记为最近活动
func (t *Table) Get(key string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	e.lastSeen = t.now()
	t.lru.MoveToFront(e.element)
	return e.session, true
}

// Put 添加或替换会话，容量已满时先淘汰最久未活动的会话
func (t *Table) Put(key string, s *Session) {
	var victims []*tableEntry

	t.mu.Lock()
	if e, ok := t.entries[key]; ok {
		e.session = s
		e.lastSeen = t.now()
		t.lru.MoveToFront(e.element)
		t.mu.Unlock()
		return
	}
	for len(t.entries) >= t.maxSize {
		v := t.removeOldest()
		if v == nil {
			break
		}
		victims = append(victims, v)
	}
	e := &tableEntry{key: key, session: s, lastSeen: t.now()}
	e.element = t.lru.PushFront(e)
	t.entries[key] = e
	size := len(t.entries)
	t.mu.Unlock()

	t.log.Debug("session added", logger.String("remote", key), logger.Int("size", size))
	t.notify(victims)
}

// Remove 移除会话，不触发淘汰回调
func (t *Table) Remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false
	}
	t.lru.Remove(e.element)
	delete(t.entries, key)
	return true
}

// RemoveSession 仅当key仍指向s时移除，避免误删同地址的新会话
func (t *Table) RemoveSession(key string, s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.session != s {
		return false
	}
	t.lru.Remove(e.element)
	delete(t.entries, key)
	return true
}

// Evict 清理超过TTL未活动的会话，返回清理数量
func (t *Table) Evict() int {
	if t.ttl <= 0 {
		return 0
	}

	var victims []*tableEntry
	t.mu.Lock()
	now := t.now()
	// 从尾部（最久未活动）向前扫描
	for el := t.lru.Back(); el != nil; {
		e := el.Value.(*tableEntry)
		if now.Sub(e.lastSeen) <= t.ttl {
			break
		}
		prev := el.Prev()
		t.lru.Remove(el)
		delete(t.entries, e.key)
		t.evictions++
		victims = append(victims, e)
		el = prev
	}
	t.mu.Unlock()

	if len(victims) > 0 {
		t.log.Info("idle sessions evicted", logger.Int("count", len(victims)))
	}
	t.notify(victims)
	return len(victims)
}

// removeOldest 淘汰最久未活动的条目（需持有锁）
func (t *Table) removeOldest() *tableEntry {
	el := t.lru.Back()
	if el == nil {
		return nil
	}
	e := el.Value.(*tableEntry)
	t.lru.Remove(el)
	delete(t.entries, e.key)
	t.evictions++
	t.log.Debug("lru evicted session", logger.String("remote", e.key))
	return e
}

func (t *Table) notify(victims []*tableEntry) {
	if t.onEvict == nil {
		return
	}
	for _, v := range victims {
		t.onEvict(v.key, v.session)
	}
}

// Sessions 返回当前全部会话，按最近活动排序
func (t *Table) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Session, 0, len(t.entries))
	for el := t.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*tableEntry).session)
	}
	return out
}

// Drain 清空会话表并返回被移除的会话，不触发淘汰回调
func (t *Table) Drain() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Session, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.session)
	}
	t.entries = make(map[string]*tableEntry)
	t.lru.Init()
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// TableStats 会话表统计
type TableStats struct {
	Size      int
	MaxSize   int
	Evictions uint64
	TTL       time.Duration
}

func (t *Table) GetStatistics() TableStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TableStats{
		Size:      len(t.entries),
		MaxSize:   t.maxSize,
		Evictions: t.evictions,
		TTL:       t.ttl,
	}
}

// StartCleanupWorker 启动后台协程定期调用Evict，关闭返回的通道即停止
func (t *Table) StartCleanupWorker(interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Evict()
			case <-stop:
				return
			}
		}
	}()
	return stop
}
