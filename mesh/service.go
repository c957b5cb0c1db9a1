package mesh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"omnimesh/crypto"
	"omnimesh/observability/logging"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultHandshakeRate    = 1.0
	defaultHandshakeBurst   = 5.0
)

// ServiceConfig tunes a PeerDiscoveryService. Zero values are replaced with
// defaults in NewService.
type ServiceConfig struct {
	// InstanceName is the human-readable mDNS instance label.
	InstanceName string
	// DisplayName is sent in handshakes.
	DisplayName string
	// Capabilities advertises what this node can do once authenticated.
	Capabilities []string
	// Port is the TCP port advertised for handshake connections.
	Port int
	// Version is the advertised software version.
	Version string
	// Hub advertises this node on the LAN when true. Hub and browsing are
	// independent; a node can do both at once.
	Hub bool

	BrowseInterval   time.Duration
	DeviceTTL        time.Duration
	HandshakeTimeout time.Duration
	// HandshakeRate/Burst bound inbound handshake attempts per remote host.
	HandshakeRate  float64
	HandshakeBurst float64
	Retry          RetryPolicy
}

func (cfg ServiceConfig) withDefaults() ServiceConfig {
	if cfg.InstanceName == "" {
		cfg.InstanceName = "omnimesh-node"
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.InstanceName
	}
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = defaultBrowseCycle
	}
	if cfg.DeviceTTL <= 0 {
		cfg.DeviceTTL = defaultDeviceTTL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.HandshakeRate <= 0 {
		cfg.HandshakeRate = defaultHandshakeRate
	}
	if cfg.HandshakeBurst <= 0 {
		cfg.HandshakeBurst = defaultHandshakeBurst
	}
	cfg.Retry = cfg.Retry.normalized()
	return cfg
}

// Session is a peer that completed handshake verification. Only sessions are
// visible to the rest of the application; a discovered-but-unverified device
// never is.
type Session struct {
	PeerID        string
	DisplayName   string
	Capabilities  []string
	RemoteAddr    string
	EstablishedAt time.Time

	conn net.Conn
}

// Close tears down the session transport.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// ConnectionCodeRecord is the resolved form of a human-shareable code. The
// codes package persists these; the service only needs the dialable facts.
type ConnectionCodeRecord struct {
	Code       string
	PeerID     string
	Multiaddrs []string
}

// CodeDirectory is the slice of the connection-code store the service
// consumes: resolve a pasted code, delete it on first successful use.
type CodeDirectory interface {
	Resolve(code string) (ConnectionCodeRecord, error)
	Delete(code string) error
}

type trackedDevice struct {
	device   LANDevice
	lastSeen time.Time
	health   *ConnectionHealth
	dialing  bool
}

type snapshotRequest struct {
	reply chan []LANDevice
}

type healthRequest struct {
	id    string
	reply chan ConnState
}

// Service advertises and discovers peers on the local network and promotes
// discovered devices to authenticated sessions. The discovered-device map is
// owned by the run loop; every external touch goes through a channel.
type Service struct {
	cfg    ServiceConfig
	auth   *Authenticator
	peerID string
	logger *slog.Logger

	events    chan deviceEvent
	snapshots chan snapshotRequest
	healthQ   chan healthRequest
	dialDone  chan string

	limiter *addrRateLimiter
	metrics *meshMetrics

	sessionMu sync.RWMutex
	sessions  map[string]*Session

	advMu sync.Mutex
	adv   *advertiser

	browseMu     sync.Mutex
	browseCancel context.CancelFunc

	wg   sync.WaitGroup
	now  func() time.Time
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewService wires an authenticator and config into a discovery service.
func NewService(auth *Authenticator, peerID string, cfg ServiceConfig, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &net.Dialer{}
	return &Service{
		cfg:       cfg,
		auth:      auth,
		peerID:    peerID,
		logger:    logger.With(slog.String("component", "discovery")),
		events:    make(chan deviceEvent, 64),
		snapshots: make(chan snapshotRequest),
		healthQ:   make(chan healthRequest),
		dialDone:  make(chan string, 16),
		limiter:   newAddrRateLimiter(cfg.HandshakeRate, cfg.HandshakeBurst),
		metrics:   newMeshMetrics(),
		sessions:  make(map[string]*Session),
		now:       time.Now,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
	}
}

// Start launches the run loop that owns discovered-device state. Browsing
// and hub advertisement are started separately so the two modes stay
// independent.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Wait blocks until background goroutines exit.
func (s *Service) Wait() {
	s.wg.Wait()
}

// StartBrowse begins browsing for advertised peers.
func (s *Service) StartBrowse(ctx context.Context) {
	browseCtx, cancel := context.WithCancel(ctx)
	s.browseMu.Lock()
	if s.browseCancel != nil {
		s.browseCancel()
	}
	s.browseCancel = cancel
	s.browseMu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		browseLoop(browseCtx, s.peerID, s.cfg.BrowseInterval, s.events, s.logger)
	}()
}

// StopBrowse cancels the browse loop without touching hub advertisement.
func (s *Service) StopBrowse() {
	s.browseMu.Lock()
	defer s.browseMu.Unlock()
	if s.browseCancel != nil {
		s.browseCancel()
		s.browseCancel = nil
	}
}

// StartHub advertises this node on the LAN.
func (s *Service) StartHub() error {
	s.advMu.Lock()
	defer s.advMu.Unlock()
	if s.adv != nil {
		return fmt.Errorf("already advertising")
	}
	adv, err := advertise(s.cfg.InstanceName, s.peerID, s.cfg.Version, s.cfg.Port, true)
	if err != nil {
		return err
	}
	s.adv = adv
	s.logger.Info("hub advertisement started",
		slog.String("instance", s.cfg.InstanceName),
		slog.Int("port", s.cfg.Port))
	return nil
}

// StopHub withdraws the advertisement; mDNS sends the goodbye packet.
func (s *Service) StopHub() {
	s.advMu.Lock()
	defer s.advMu.Unlock()
	if s.adv != nil {
		s.adv.shutdown()
		s.adv = nil
		s.logger.Info("hub advertisement stopped")
	}
}

// run is the single consumer of discovery events and the sole owner of the
// discovered map.
func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	discovered := make(map[string]*trackedDevice)
	sweep := time.NewTicker(s.cfg.DeviceTTL / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.StopHub()
			return

		case event := <-s.events:
			switch event.kind {
			case deviceFound:
				s.handleFound(ctx, discovered, event.device)
			case deviceLost:
				s.handleLost(discovered, event.device.ID)
			}
			s.metrics.observeDiscovered(len(discovered))

		case req := <-s.snapshots:
			devices := make([]LANDevice, 0, len(discovered))
			for _, tracked := range discovered {
				devices = append(devices, tracked.device)
			}
			sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
			req.reply <- devices

		case id := <-s.dialDone:
			if tracked := discovered[id]; tracked != nil {
				tracked.dialing = false
			}

		case req := <-s.healthQ:
			state := StateDisconnected
			if tracked := discovered[req.id]; tracked != nil {
				state = tracked.health.State()
			}
			req.reply <- state

		case <-sweep.C:
			s.sweepStale(discovered)
			s.metrics.observeDiscovered(len(discovered))
		}
	}
}

func (s *Service) handleFound(ctx context.Context, discovered map[string]*trackedDevice, device LANDevice) {
	tracked := discovered[device.ID]
	if tracked == nil {
		tracked = &trackedDevice{health: NewConnectionHealth(s.cfg.Retry)}
		discovered[device.ID] = tracked
		s.logger.Info("device discovered",
			slog.String("peer", crypto.ShortPeerID(device.ID)),
			slog.String("addr", device.Addr()),
			slog.Bool("is_hub", device.IsHub))
	} else {
		tracked.health.ResetRetries()
		tracked.health.MarkLivenessSeen()
	}
	tracked.device = device
	tracked.lastSeen = s.now()

	if s.hasSession(device.ID) || tracked.dialing {
		return
	}
	tracked.dialing = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectWithRetry(ctx, device, tracked.health)
		select {
		case s.dialDone <- device.ID:
		case <-ctx.Done():
		}
	}()
}

func (s *Service) handleLost(discovered map[string]*trackedDevice, id string) {
	if _, ok := discovered[id]; !ok {
		return
	}
	delete(discovered, id)
	s.logger.Info("device lost", slog.String("peer", crypto.ShortPeerID(id)))
}

// sweepStale applies the TTL to devices that stopped advertising and walks
// the liveness state machine for any session we hold with them.
func (s *Service) sweepStale(discovered map[string]*trackedDevice) {
	now := s.now()
	for id, tracked := range discovered {
		if now.Sub(tracked.lastSeen) <= s.cfg.DeviceTTL {
			continue
		}
		state := tracked.health.MarkLivenessMissed()
		if state == StateDisconnected {
			delete(discovered, id)
			s.dropSession(id)
			s.logger.Info("device expired", slog.String("peer", crypto.ShortPeerID(id)))
		}
	}
}

// connectWithRetry dials a device until a handshake completes or the retry
// budget runs out. Each wait is capped exponential backoff with jitter and
// is cancellable through the context.
func (s *Service) connectWithRetry(ctx context.Context, device LANDevice, health *ConnectionHealth) {
	for health.MarkConnecting() {
		session, err := s.connect(ctx, device.Addr())
		if err == nil {
			health.MarkConnected()
			s.logger.Info("peer authenticated",
				slog.String("peer", crypto.ShortPeerID(session.PeerID)),
				slog.String("addr", device.Addr()))
			return
		}
		health.MarkFailed()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("peer connection failed",
			slog.String("peer", crypto.ShortPeerID(device.ID)),
			logging.MaskField("addr", device.Addr()),
			slog.Any("error", err))
		s.metrics.observeReconnect()
		if health.Exhausted() {
			return
		}
		if !sleepCtx(ctx, health.NextRetryIn()) {
			return
		}
	}
}

// connect dials an address and runs the handshake exchange. Only a verified
// peer is stored as a session.
func (s *Service) connect(ctx context.Context, addr string) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	session, err := s.completeHandshake(dialCtx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return session, nil
}

// Connect dials an address directly, outside LAN discovery. Used for WAN
// bootstrap against resolved seed peers.
func (s *Service) Connect(ctx context.Context, addr string) (*Session, error) {
	return s.connect(ctx, addr)
}

// Serve accepts inbound connections and authenticates them. Rate limiting is
// per remote host so one noisy address cannot starve the accept loop.
func (s *Service) Serve(ctx context.Context, listener net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", slog.Any("error", err))
			continue
		}
		host := remoteHost(conn)
		if !s.limiter.allow(host, s.now()) {
			s.logger.Warn("handshake rate limited", logging.MaskField("addr", host))
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
			defer cancel()
			session, err := s.completeHandshake(hsCtx, conn)
			if err != nil {
				s.logger.Warn("inbound handshake rejected",
					logging.MaskField("addr", remoteHost(conn)),
					slog.Any("error", err))
				conn.Close()
				return
			}
			s.logger.Info("inbound peer authenticated",
				slog.String("peer", crypto.ShortPeerID(session.PeerID)))
			// Closing the conn on shutdown unblocks the watch read so Wait
			// does not hang on live inbound peers.
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			s.watchSession(session)
		}(conn)
	}
}

// completeHandshake runs the wire exchange and registers the session.
func (s *Service) completeHandshake(ctx context.Context, conn net.Conn) (*Session, error) {
	reader := bufio.NewReader(conn)
	remote, err := s.auth.Exchange(ctx, conn, reader, s.cfg.DisplayName, s.cfg.Capabilities)
	if err != nil {
		return nil, err
	}
	session := &Session{
		PeerID:        remote.PeerID,
		DisplayName:   remote.DisplayName,
		Capabilities:  append([]string(nil), remote.Capabilities...),
		RemoteAddr:    conn.RemoteAddr().String(),
		EstablishedAt: s.now(),
		conn:          conn,
	}
	s.sessionMu.Lock()
	if existing := s.sessions[session.PeerID]; existing != nil {
		existing.Close()
	}
	s.sessions[session.PeerID] = session
	count := len(s.sessions)
	s.sessionMu.Unlock()
	s.metrics.observeSessions(count)
	return session, nil
}

// RedeemCode resolves a pasted connection code and dials the advertised
// addresses in order until one handshake succeeds. The code is deleted on
// first successful use.
func (s *Service) RedeemCode(ctx context.Context, directory CodeDirectory, code string) (*Session, error) {
	record, err := directory.Resolve(code)
	if err != nil {
		return nil, fmt.Errorf("resolve connection code: %w", err)
	}
	var lastErr error
	for _, addr := range record.Multiaddrs {
		session, err := s.connect(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		if record.PeerID != "" && session.PeerID != record.PeerID {
			session.Close()
			s.dropSession(session.PeerID)
			lastErr = fmt.Errorf("code issued for peer %s: %w", crypto.ShortPeerID(record.PeerID), ErrIdentityMismatch)
			continue
		}
		if err := directory.Delete(code); err != nil {
			s.logger.Warn("delete redeemed code", slog.Any("error", err))
		}
		return session, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("connection code has no reachable addresses: %w", ErrNotFound)
	}
	return nil, lastErr
}

// DiscoveredDevices snapshots the devices currently tracked by the run loop.
func (s *Service) DiscoveredDevices(ctx context.Context) []LANDevice {
	req := snapshotRequest{reply: make(chan []LANDevice, 1)}
	select {
	case s.snapshots <- req:
	case <-ctx.Done():
		return nil
	}
	select {
	case devices := <-req.reply:
		return devices
	case <-ctx.Done():
		return nil
	}
}

// DeviceHealth reports the connection state for a discovered device.
func (s *Service) DeviceHealth(ctx context.Context, id string) ConnState {
	req := healthRequest{id: id, reply: make(chan ConnState, 1)}
	select {
	case s.healthQ <- req:
	case <-ctx.Done():
		return StateDisconnected
	}
	select {
	case state := <-req.reply:
		return state
	case <-ctx.Done():
		return StateDisconnected
	}
}

// Session returns the authenticated session for a peer, if any.
func (s *Service) Session(peerID string) (*Session, bool) {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	session := s.sessions[peerID]
	return session, session != nil
}

// Sessions lists all authenticated sessions.
func (s *Service) Sessions() []*Session {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (s *Service) hasSession(peerID string) bool {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return s.sessions[peerID] != nil
}

// watchSession blocks until the session transport errors or closes, then
// removes the entry. Inbound peers are not covered by the TTL sweep unless
// they also advertise on the LAN, so the connection itself is the liveness
// signal.
func (s *Service) watchSession(session *Session) {
	buf := make([]byte, 1)
	for {
		if _, err := session.conn.Read(buf); err != nil {
			break
		}
	}
	s.sessionMu.Lock()
	if s.sessions[session.PeerID] == session {
		delete(s.sessions, session.PeerID)
	}
	count := len(s.sessions)
	s.sessionMu.Unlock()
	session.Close()
	s.metrics.observeSessions(count)
	s.logger.Info("inbound peer disconnected",
		slog.String("peer", crypto.ShortPeerID(session.PeerID)))
}

func (s *Service) dropSession(peerID string) {
	s.sessionMu.Lock()
	if session := s.sessions[peerID]; session != nil {
		session.Close()
		delete(s.sessions, peerID)
	}
	count := len(s.sessions)
	s.sessionMu.Unlock()
	s.metrics.observeSessions(count)
}

func remoteHost(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
