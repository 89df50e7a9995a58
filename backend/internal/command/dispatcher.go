package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pending 信箱里正在处理的命令
type Pending struct {
	Command   Command
	Key       string
	Timestamp time.Time

	call     *Call
	ctx      context.Context
	offered  int
	declined int
	settled  bool
}

// Call 调用方持有的句柄，只结算一次
type Call struct {
	done   chan struct{}
	result Result
	err    error
}

// Done 结算后关闭
func (c *Call) Done() <-chan struct{} { return c.done }

// Result Done 关闭之后才有意义
func (c *Call) Result() (Result, error) { return c.result, c.err }

// Wait 阻塞到命令结算或 ctx 结束。ctx 结束不会撤回命令，
// 处理器返回之前槽位一直被占着
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type subscriber struct {
	name     string
	handlers Handlers
	removed  bool
}

// Dispatcher 持有唯一的待处理槽位和已抢占的 key 集合
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *Pending
	claimed map[string]struct{}
	subs    []*subscriber
	lastTS  int64

	now func() time.Time
	log zerolog.Logger
}

type Option func(*Dispatcher)

// WithClock 替换生成 claim key 用的时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		claimed: make(map[string]struct{}),
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	d.cond = sync.NewCond(&d.mu)
	for _, o := range opts {
		o(d)
	}
	return d
}

// Subscribe 注册处理表，返回取消函数；已经投递给它的命令按拒绝处理
func (d *Dispatcher) Subscribe(name string, h Handlers) (cancel func()) {
	s := &subscriber{name: name, handlers: h}
	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			s.removed = true
			for i, cur := range d.subs {
				if cur == s {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *Dispatcher) Pending() (Pending, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return Pending{}, false
	}
	return Pending{Command: d.pending.Command, Key: d.pending.Key, Timestamp: d.pending.Timestamp}, true
}

// Begin 占用槽位并投递给所有订阅者；槽位被占时直接返回 ErrCommandPending，不影响正在处理的命令
func (d *Dispatcher) Begin(ctx context.Context, cmd Command) (*Call, error) {
	if !known(cmd) {
		return nil, ErrUnknownCommand
	}

	d.mu.Lock()
	if d.pending != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCommandPending, d.pendingType())
	}

	// 同一纳秒内的两次 Begin 也要得到不同的 key
	ts := d.now()
	if n := ts.UnixNano(); n <= d.lastTS {
		ts = time.Unix(0, d.lastTS+1)
	}
	d.lastTS = ts.UnixNano()

	p := &Pending{
		Command:   cmd,
		Key:       claimKey(cmd.Type(), ts),
		Timestamp: ts,
		call:      &Call{done: make(chan struct{})},
		ctx:       ctx,
	}
	subs := make([]*subscriber, len(d.subs))
	copy(subs, d.subs)
	p.offered = len(subs)
	d.pending = p
	d.mu.Unlock()

	d.log.Debug().Str("type", string(cmd.Type())).Str("key", p.Key).Int("subscribers", len(subs)).Msg("command pending")

	if len(subs) == 0 {
		d.settle(p, Result{}, fmt.Errorf("%w: %s", ErrUnhandledCommand, cmd.Type()))
		return p.call, nil
	}
	for _, s := range subs {
		go d.attempt(p, s)
	}
	return p.call, nil
}

// Dispatch = Begin + Wait
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	call, err := d.Begin(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	return call.Wait(ctx)
}

// 调用方需持有 d.mu
func (d *Dispatcher) pendingType() Type {
	if d.pending == nil {
		return ""
	}
	return d.pending.Command.Type()
}

func claimKey(t Type, ts time.Time) string {
	return fmt.Sprintf("%s:%d", t, ts.UnixNano())
}

// attempt 是单个订阅者观察到 pending 后的处理：
// 抢占 key -> 没有对应 handler 则释放并记一次 decline -> 否则执行并结算
// key 被别人占着时等待，直到对方释放（可能轮到自己）或命令已结算（什么都不做）
func (d *Dispatcher) attempt(p *Pending, s *subscriber) {
	key := claimKey(p.Command.Type(), p.Timestamp)

	d.mu.Lock()
	for {
		if p.settled {
			d.mu.Unlock()
			return
		}
		if _, taken := d.claimed[key]; !taken {
			break
		}
		d.cond.Wait()
	}
	d.claimed[key] = struct{}{}
	removed := s.removed
	d.mu.Unlock()

	var (
		run runFunc
		ok  bool
	)
	if !removed {
		run, ok = s.handlers.lookup(p.Command)
	}
	if !ok {
		d.mu.Lock()
		delete(d.claimed, key)
		p.declined++
		all := p.declined == p.offered
		d.cond.Broadcast()
		d.mu.Unlock()

		d.log.Debug().Str("subscriber", s.name).Str("key", key).Msg("command declined")
		if all {
			d.settle(p, Result{}, fmt.Errorf("%w: %s", ErrUnhandledCommand, p.Command.Type()))
		}
		return
	}

	d.log.Debug().Str("subscriber", s.name).Str("key", key).Msg("command claimed")
	res, err := execute(p.ctx, run)
	d.settle(p, res, err)
}

func execute(ctx context.Context, run runFunc) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command: handler panic: %v", r)
		}
	}()
	return run(ctx)
}

// settle 先释放 claim、清空槽位，再通知调用方，
// 这样调用方从 Wait 返回后可以立刻发起下一条命令
func (d *Dispatcher) settle(p *Pending, res Result, err error) {
	d.mu.Lock()
	if p.settled {
		d.mu.Unlock()
		return
	}
	p.settled = true
	delete(d.claimed, p.Key)
	if d.pending == p {
		d.pending = nil
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	if err != nil {
		d.log.Debug().Err(err).Str("key", p.Key).Msg("command rejected")
	}
	p.call.result, p.call.err = res, err
	close(p.call.done)
}
