package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/vinayprograms/peerbus/discovery"
	"github.com/vinayprograms/peerbus/dispatch"
	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/heartbeat"
	"github.com/vinayprograms/peerbus/iface"
	"github.com/vinayprograms/peerbus/logging"
	"github.com/vinayprograms/peerbus/metrics"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/telemetry"
)

// State is the attachment lifecycle state.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateConnected
	StateDisconnected
	StateStopped
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	case StateJoined:
		return "joined"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// connection is everything that lives for one link to a routing node.
type connection struct {
	link    router.Link
	unique  string
	dir     discovery.Directory
	inbound *queue.Queue
	sender  *heartbeat.LinkSender
	monitor *heartbeat.LinkMonitor

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup
}

// Attachment is one application's connection to the bus and the owner of
// its objects, interfaces, listeners and sessions.
type Attachment struct {
	appName string
	guid    string
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  *telemetry.Tracer

	// connMu serializes Connect, Disconnect, Stop and link-loss handling.
	connMu sync.Mutex

	mu      sync.RWMutex
	state   State
	conn    *connection
	connSeq int
	pool    *dispatch.Pool
	stopped chan struct{}

	interfaces     map[string]*iface.Description
	objects        map[string]*BusObject
	busListeners   []BusListener
	aboutListeners []AboutListener
	handlers       []*signalRegistration
	matches        map[string]*matchEntry
	names          map[string]router.Subscription
	advertised     map[string]session.TransportMask
	finds          map[string]struct{}
	whoImplements  map[string][]string

	sessions   *session.Table
	pending    cmap.ConcurrentMap[uint32, *pendingCall]
	serial     atomic.Uint32
	quarantine *quarantine
}

// New creates an attachment for appName.
func New(appName string, opts ...Option) (*Attachment, error) {
	if strings.TrimSpace(appName) == "" {
		return nil, buserr.New(buserr.ErrCodeInvalidName, "application name is required")
	}

	a := &Attachment{
		appName:       appName,
		guid:          strings.ReplaceAll(uuid.NewString(), "-", ""),
		cfg:           DefaultConfig(),
		logger:        logging.Nop(),
		tracer:        telemetry.GetTracer(),
		stopped:       make(chan struct{}),
		interfaces:    make(map[string]*iface.Description),
		objects:       make(map[string]*BusObject),
		matches:       make(map[string]*matchEntry),
		names:         make(map[string]router.Subscription),
		advertised:    make(map[string]session.TransportMask),
		finds:         make(map[string]struct{}),
		whoImplements: make(map[string][]string),
		sessions:      session.NewTable(""),
		pending: cmap.NewWithCustomShardingFunction[uint32, *pendingCall](func(k uint32) uint32 {
			return k
		}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.quarantine = newQuarantine(a.cfg.MalformedThreshold, a.cfg.MalformedWindow, a.cfg.QuarantinePeriod)
	return a, nil
}

// AppName returns the application name.
func (a *Attachment) AppName() string { return a.appName }

// GUID returns the attachment's globally unique id.
func (a *Attachment) GUID() string { return a.guid }

// UniqueName returns the unique bus name of the current connection, or ""
// when not connected.
func (a *Attachment) UniqueName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.conn == nil {
		return ""
	}
	return a.conn.unique
}

// State returns the lifecycle state.
func (a *Attachment) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// IsConnected reports whether a link is up.
func (a *Attachment) IsConnected() bool {
	return a.State() == StateConnected
}

// Start creates the dispatch pool. It may be called once.
func (a *Attachment) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateCreated {
		return buserr.InvalidState(fmt.Sprintf("cannot start attachment in state %s", a.state))
	}

	pool, err := dispatch.New(dispatch.Config{Workers: a.cfg.Workers},
		dispatch.WithLogger(a.logger),
		dispatch.WithPanicHandler(func(error) { a.metrics.RecordPanic() }),
	)
	if err != nil {
		return err
	}
	a.pool = pool
	a.state = StateStarted
	a.logger.Info("attachment started", map[string]interface{}{"app": a.appName, "guid": a.guid})
	return nil
}

// Connect dials a routing node and brings up discovery and liveness. It
// requires a started or disconnected attachment.
func (a *Attachment) Connect(ctx context.Context, d router.Dialer) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	a.mu.RLock()
	state := a.state
	a.mu.RUnlock()
	if state != StateStarted && state != StateDisconnected {
		return buserr.InvalidState(fmt.Sprintf("cannot connect in state %s", state))
	}

	link, err := router.Connect(ctx, d, a.cfg.Retry)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.connSeq++
	unique := fmt.Sprintf(":%s.%d", a.guid[:8], a.connSeq)
	a.mu.Unlock()

	c, err := a.open(ctx, link, unique)
	if err != nil {
		link.Close()
		return err
	}

	a.mu.Lock()
	a.conn = c
	a.state = StateConnected
	a.mu.Unlock()

	a.logger.Info("connected", map[string]interface{}{"unique_name": unique})
	return nil
}

// open subscribes the connection's subjects and starts its goroutines.
func (a *Attachment) open(ctx context.Context, link router.Link, unique string) (*connection, error) {
	cctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		link:    link,
		unique:  unique,
		inbound: queue.New(int64(min(a.cfg.QueueSize, 1024))),
		ctx:     cctx,
		cancel:  cancel,
	}
	fail := func(err error) (*connection, error) {
		cancel()
		c.inbound.Dispose()
		return nil, err
	}

	a.sessions.SetSelf(unique)
	a.quarantine.Reset()

	for _, subject := range []string{router.PeerSubject(unique), router.SubjectBroadcast} {
		sub, err := link.Subscribe(subject)
		if err != nil {
			return fail(err)
		}
		c.wg.Add(1)
		go a.forward(c, sub)
	}

	dir, err := a.cfg.Discovery(ctx, link, discovery.Config{
		Self:        unique,
		TTL:         a.cfg.DiscoveryTTL,
		Readvertise: a.cfg.Readvertise,
	}, a.logger)
	if err != nil {
		return fail(err)
	}
	events, err := dir.Watch()
	if err != nil {
		dir.Close()
		return fail(err)
	}
	c.dir = dir

	c.sender, err = heartbeat.NewLinkSender(heartbeat.SenderConfig{
		Link:       link,
		UniqueName: unique,
		GUID:       a.guid,
		Interval:   a.cfg.HeartbeatInterval,
	})
	if err != nil {
		dir.Close()
		return fail(err)
	}
	c.monitor, err = heartbeat.NewLinkMonitor(heartbeat.MonitorConfig{
		Link:          link,
		Self:          unique,
		Timeout:       a.cfg.HeartbeatTimeout,
		CheckInterval: max(a.cfg.HeartbeatTimeout/5, minCheckInterval),
	})
	if err != nil {
		dir.Close()
		return fail(err)
	}
	c.monitor.OnDead(func(peer string) { a.peerDead(c, peer) })
	beacons, err := c.monitor.WatchAll()
	if err != nil {
		dir.Close()
		return fail(err)
	}
	if err := c.sender.Start(cctx); err != nil {
		c.monitor.Stop()
		dir.Close()
		return fail(err)
	}

	c.wg.Add(3)
	go a.pump(c)
	go a.watchDiscovery(c, events)
	go a.watchBeacons(c, beacons)
	go a.watchLink(c)
	return c, nil
}

// Disconnect closes the link. Sessions end with SessionLost, pending
// calls fail with CONNECTION_CLOSED and advertisements are withdrawn.
// It is a no-op when not connected.
func (a *Attachment) Disconnect() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.disconnectLocked()
}

func (a *Attachment) disconnectLocked() error {
	a.mu.Lock()
	c := a.conn
	if c == nil {
		a.mu.Unlock()
		return nil
	}
	a.conn = nil
	a.state = StateDisconnected
	a.mu.Unlock()

	a.teardown(c, true)
	a.logger.Info("disconnected", map[string]interface{}{"unique_name": c.unique})
	return nil
}

// watchLink detects transport loss that was not requested locally.
func (a *Attachment) watchLink(c *connection) {
	select {
	case <-c.ctx.Done():
	case <-c.link.Done():
		if c.closing.Load() {
			return
		}
		a.linkLost(c)
	}
}

func (a *Attachment) linkLost(c *connection) {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	a.mu.Lock()
	if a.conn != c {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.state = StateDisconnected
	a.mu.Unlock()

	a.logger.Warn("link to routing node lost", map[string]interface{}{"unique_name": c.unique})
	a.teardown(c, false)
}

// teardown releases a connection. Graceful teardown tells session peers
// we left; link loss cannot.
func (a *Attachment) teardown(c *connection, graceful bool) {
	c.closing.Store(true)

	if graceful {
		for _, s := range a.sessions.All() {
			a.sendLeave(c, s)
		}
	}
	for _, s := range a.sessions.CloseAll() {
		a.metrics.SessionClosed()
		a.notifySessionLost(s, session.ReasonLinkLost)
	}

	var cause *buserr.Error
	if graceful {
		cause = buserr.ConnectionClosed()
	} else {
		cause = buserr.New(buserr.ErrCodeLinkLost, "link to routing node lost")
	}
	a.failPending(func(*pendingCall) bool { return true }, cause)

	c.sender.Stop()
	c.monitor.Stop()
	if err := c.dir.Close(); err != nil {
		a.logger.Debug("closing directory", map[string]interface{}{"error": err.Error()})
	}

	a.mu.Lock()
	for name, sub := range a.names {
		sub.Unsubscribe()
		delete(a.names, name)
	}
	clear(a.advertised)
	clear(a.finds)
	clear(a.whoImplements)
	a.mu.Unlock()

	c.cancel()
	c.inbound.Dispose()
	c.link.Close()
	c.wg.Wait()

	a.notifyBus(func(l BusListener) { l.BusDisconnected() })
}

// Stop disconnects and shuts the dispatch pool down. Workers drain in the
// background; Join waits for them. Stop is idempotent.
func (a *Attachment) Stop() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	a.mu.Lock()
	switch a.state {
	case StateStopped, StateJoined:
		a.mu.Unlock()
		return nil
	case StateCreated:
		a.state = StateStopped
		close(a.stopped)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.notifyBus(func(l BusListener) { l.BusStopping() })
	a.disconnectLocked()

	a.mu.Lock()
	a.state = StateStopped
	pool := a.pool
	a.mu.Unlock()

	go func() {
		pool.Release()
		close(a.stopped)
	}()
	a.logger.Info("attachment stopped", map[string]interface{}{"app": a.appName})
	return nil
}

// Join blocks until Stop has been called and every worker has exited.
func (a *Attachment) Join() error {
	<-a.stopped
	a.mu.Lock()
	if a.state == StateStopped {
		a.state = StateJoined
	}
	a.mu.Unlock()
	return nil
}

// current returns the live connection or NOT_CONNECTED.
func (a *Attachment) current() (*connection, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.conn == nil {
		return nil, buserr.FromCode(buserr.ErrCodeNotConnected)
	}
	return a.conn, nil
}

func (a *Attachment) nextSerial() uint32 {
	for {
		if s := a.serial.Add(1); s != 0 {
			return s
		}
	}
}

// --- Interface registry ---

// CreateInterface returns a new, unactivated description. It becomes
// visible to the attachment through RegisterInterface, which accepts an
// identical redefinition and rejects an incompatible one.
func (a *Attachment) CreateInterface(name string) (*iface.Description, error) {
	return iface.New(name)
}

// RegisterInterface activates desc if needed and adds it to the
// registry.
func (a *Attachment) RegisterInterface(desc *iface.Description) error {
	if desc == nil {
		return buserr.InvalidArgument("interface description is nil")
	}
	if !desc.IsActivated() {
		if err := desc.Activate(); err != nil {
			return err
		}
	}
	if _, ok := builtinInterfaces[desc.Name()]; ok {
		return buserr.AlreadyExists(fmt.Sprintf("interface %s is built in", desc.Name()))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.interfaces[desc.Name()]; ok {
		if existing == desc || existing.Equal(desc) {
			return nil
		}
		return buserr.AlreadyExists(fmt.Sprintf("interface %s is registered with a different definition", desc.Name()))
	}
	a.interfaces[desc.Name()] = desc
	return nil
}

// CreateInterfacesFromXML parses introspection XML and registers every
// interface in it.
func (a *Attachment) CreateInterfacesFromXML(xml string) ([]*iface.Description, error) {
	descs, err := iface.ParseXML([]byte(xml))
	if err != nil {
		return nil, err
	}
	out := make([]*iface.Description, 0, len(descs))
	for _, d := range descs {
		if _, builtin := builtinInterfaces[d.Name()]; builtin {
			continue
		}
		if err := a.RegisterInterface(d); err != nil {
			return out, err
		}
		registered, _ := a.Interface(d.Name())
		out = append(out, registered)
	}
	return out, nil
}

// Interface returns a registered or built-in description.
func (a *Attachment) Interface(name string) (*iface.Description, bool) {
	if d, ok := builtinInterfaces[name]; ok {
		return d, true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.interfaces[name]
	return d, ok
}

// Interfaces returns the names of registered interfaces, sorted.
func (a *Attachment) Interfaces() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.interfaces))
	for name := range a.interfaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// --- Object registry ---

// RegisterBusObject makes obj reachable at its path. Every interface on
// obj must be registered.
func (a *Attachment) RegisterBusObject(obj *BusObject) error {
	if obj == nil {
		return buserr.InvalidArgument("bus object is nil")
	}
	for _, d := range obj.descriptions() {
		registered, ok := a.Interface(d.Name())
		if !ok {
			return buserr.NotFound(fmt.Sprintf("interface %s is not registered", d.Name()))
		}
		if registered != d && !registered.Equal(d) {
			return buserr.InvalidArgument(fmt.Sprintf("interface %s differs from the registered definition", d.Name()))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.objects[obj.path]; exists {
		return buserr.AlreadyExists(fmt.Sprintf("object already registered at %s", obj.path))
	}
	if err := obj.attach(a); err != nil {
		return err
	}
	a.objects[obj.path] = obj
	return nil
}

// UnregisterBusObject removes obj.
func (a *Attachment) UnregisterBusObject(obj *BusObject) error {
	if obj == nil {
		return buserr.InvalidArgument("bus object is nil")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects[obj.path] != obj {
		return buserr.NotFound(fmt.Sprintf("no object registered at %s", obj.path))
	}
	delete(a.objects, obj.path)
	obj.detach()
	return nil
}

func (a *Attachment) object(path string) *BusObject {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.objects[path]
}

// children returns the names of the direct child nodes of path.
func (a *Attachment) children(path string) []string {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	seen := make(map[string]struct{})
	a.mu.RLock()
	for p := range a.objects {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = struct{}{}
	}
	a.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// --- Listener registry ---

// RegisterBusListener adds l.
func (a *Attachment) RegisterBusListener(l BusListener) {
	if l == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busListeners = append(a.busListeners, l)
}

// UnregisterBusListener removes l.
func (a *Attachment) UnregisterBusListener(l BusListener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.busListeners {
		if sameListener(existing, l) {
			a.busListeners = append(a.busListeners[:i:i], a.busListeners[i+1:]...)
			return nil
		}
	}
	return buserr.NotFound("bus listener is not registered")
}

// RegisterAboutListener adds l.
func (a *Attachment) RegisterAboutListener(l AboutListener) {
	if l == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aboutListeners = append(a.aboutListeners, l)
}

// UnregisterAboutListener removes l.
func (a *Attachment) UnregisterAboutListener(l AboutListener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.aboutListeners {
		if sameListener(existing, l) {
			a.aboutListeners = append(a.aboutListeners[:i:i], a.aboutListeners[i+1:]...)
			return nil
		}
	}
	return buserr.NotFound("about listener is not registered")
}

func (a *Attachment) busListenerSnapshot() []BusListener {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]BusListener(nil), a.busListeners...)
}

func (a *Attachment) aboutListenerSnapshot() []AboutListener {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]AboutListener(nil), a.aboutListeners...)
}

// notifyBus runs fn for every bus listener on one worker.
func (a *Attachment) notifyBus(fn func(BusListener)) {
	listeners := a.busListenerSnapshot()
	if len(listeners) == 0 {
		return
	}
	a.submitKeyed("bus", func() {
		for _, l := range listeners {
			a.safely("bus listener", func() { fn(l) })
		}
	})
}

// --- Dispatch helpers ---

func (a *Attachment) dispatchPool() *dispatch.Pool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pool
}

func (a *Attachment) submit(fn func()) {
	pool := a.dispatchPool()
	if pool == nil {
		return
	}
	if err := pool.Submit(fn); err != nil {
		a.logger.Debug("task not dispatched", map[string]interface{}{"error": err.Error()})
	}
}

func (a *Attachment) submitKeyed(key string, fn func()) {
	pool := a.dispatchPool()
	if pool == nil {
		return
	}
	if err := pool.SubmitKeyed(key, fn); err != nil {
		a.logger.Debug("task not dispatched", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

// safely runs a user callback, logging a panic instead of propagating it.
func (a *Attachment) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.RecordPanic()
			a.logger.HandlerFault(kind, a.appName, buserr.RecoverPanic(r))
		}
	}()
	fn()
}
