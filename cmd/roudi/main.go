// Command roudi is the broker daemon: it provisions every configured
// shared-memory segment, accepts client REGISTER requests over a Unix
// socket, and drives CaPro discovery for every port that registers a
// discovery channel. It never touches the data path: no loaned chunk
// or delivery queue is read here, only CaPro control messages.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tobiasstarkwayve/zcipc"
	"github.com/tobiasstarkwayve/zcipc/internal/capro"
	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
	"github.com/tobiasstarkwayve/zcipc/internal/shm"
	"github.com/tobiasstarkwayve/zcipc/internal/shmaddr"
)

// Exit codes, per spec §6: 0 clean, distinct nonzero codes for
// segment-allocation failure, configuration-validation failure, and
// abnormal shutdown.
const (
	exitOK = iota
	exitConfigInvalid
	exitSegmentFailure
	exitAbnormalShutdown
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "roudi.json", "path to broker configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		return exitConfigInvalid
	}

	br, err := newBroker(cfg)
	if err != nil {
		slog.Error("failed to provision segments", "err", err)
		return exitSegmentFailure
	}
	defer br.unlinkAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("roudi starting", "config", *configPath, "socket", cfg.SocketPath, "segments", len(cfg.Segments))
	if err := br.run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("broker exited abnormally", "err", err)
		return exitAbnormalShutdown
	}
	slog.Info("roudi stopped")
	return exitOK
}

// Config is the broker's JSON configuration: the segments to provision
// at startup and the Unix socket clients register against.
type Config struct {
	SocketPath               string          `json:"socket_path"`
	Segments                 []SegmentConfig `json:"segments"`
	DiscoveryChannelCapacity uint64          `json:"discovery_channel_capacity"`
	DenyList                 []DenyEntry     `json:"deny_list"`
}

// SegmentConfig describes one shared-memory segment and its chunk pools.
type SegmentConfig struct {
	Name      string       `json:"name"`
	SegmentID uint32       `json:"segment_id"`
	Pools     []PoolConfig `json:"pools"`
}

// PoolConfig describes one fixed-size chunk pool within a segment.
type PoolConfig struct {
	ChunkSize  uint32 `json:"chunk_size"`
	ChunkCount uint32 `json:"chunk_count"`
}

// DenyEntry names a (service, instance) pair the access table should
// reject subscriptions against.
type DenyEntry struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("socket_path is required")
	}
	if len(cfg.Segments) == 0 {
		return nil, fmt.Errorf("at least one segment is required")
	}
	for _, s := range cfg.Segments {
		if s.Name == "" {
			return nil, fmt.Errorf("segment entries require a name")
		}
		if len(s.Pools) == 0 {
			return nil, fmt.Errorf("segment %s: at least one pool is required", s.Name)
		}
	}
	if cfg.DiscoveryChannelCapacity == 0 {
		cfg.DiscoveryChannelCapacity = 256
	}
	return &cfg, nil
}

// broker is roudi's runtime state: the provisioned segments, the CaPro
// registry, and the directory mapping every port the registry has heard
// from back to the discovery channel it talks over.
type broker struct {
	cfg      *Config
	table    *shmaddr.Table
	segments map[string]*zcipc.Segment
	registry *capro.Registry

	mu      sync.Mutex
	clients map[protocol.PortRef]*capro.Channel
}

func newBroker(cfg *Config) (*broker, error) {
	table := shmaddr.NewTable()
	access := capro.NewAccessTable()
	for _, d := range cfg.DenyList {
		access.Deny(protocol.ServiceDescriptor{
			Service:  protocol.NewID(d.Service),
			Instance: protocol.NewID(d.Instance),
		})
	}

	segments := make(map[string]*zcipc.Segment, len(cfg.Segments))
	for _, sc := range cfg.Segments {
		specs := make([]zcipc.PoolSpec, len(sc.Pools))
		for i, p := range sc.Pools {
			specs[i] = zcipc.PoolSpec{ChunkSize: p.ChunkSize, ChunkCount: p.ChunkCount}
		}
		seg, err := zcipc.CreateSegment(table, sc.Name, sc.SegmentID, specs)
		if err != nil {
			for _, already := range segments {
				already.Close()
				already.Unlink()
			}
			return nil, fmt.Errorf("segment %s: %w", sc.Name, err)
		}
		segments[sc.Name] = seg
	}

	return &broker{
		cfg:      cfg,
		table:    table,
		segments: segments,
		registry: capro.NewRegistry(access),
		clients:  make(map[protocol.PortRef]*capro.Channel),
	}, nil
}

func (b *broker) unlinkAll() {
	for name, seg := range b.segments {
		if err := seg.Close(); err != nil {
			slog.Error("segment close failed", "segment", name, "err", err)
		}
		if err := seg.Unlink(); err != nil {
			slog.Error("segment unlink failed", "segment", name, "err", err)
		}
	}
}

func (b *broker) run(ctx context.Context) error {
	os.Remove(b.cfg.SocketPath)
	ln, err := net.Listen("unix", b.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.SocketPath, err)
	}
	defer os.Remove(b.cfg.SocketPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				b.handleClient(gctx, conn)
				return nil
			})
		}
	})

	// DISCOVERY_CHANNEL_OVERFLOW resync (spec §7): every quiet tick,
	// replay any ACK_SUB a dropped push might have cost a subscriber.
	g.Go(func() error {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				b.resync(gctx)
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

type registerRequest struct {
	ProcessID string `json:"process_id"`
}

type registerResponse struct {
	ClientID          string   `json:"client_id"`
	Segments          []string `json:"segments"`
	DiscoveryChannel  string   `json:"discovery_channel"`
	DiscoveryCapacity uint64   `json:"discovery_capacity"`
}

// handleClient services one client connection for its whole lifetime:
// REGISTER, then an indefinite drain of that client's discovery channel.
// The connection itself carries only the REGISTER handshake; CaPro
// traffic afterward flows entirely through the shared-memory channel
// handed back in the response, per spec §6.
func (b *broker) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req registerRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		slog.Error("register decode failed", "err", err)
		return
	}

	clientID := uuid.New()
	channelName := "disc." + clientID.String()
	addr, seg, err := b.createChannelSegment(channelName)
	if err != nil {
		slog.Error("failed to provision discovery channel", "process_id", req.ProcessID, "err", err)
		return
	}
	defer seg.Close()
	defer seg.Unlink()

	ch := capro.AttachChannel(addr, b.cfg.DiscoveryChannelCapacity, nil)
	if ch == nil {
		slog.Error("failed to attach own discovery channel", "process_id", req.ProcessID)
		return
	}

	names := make([]string, 0, len(b.segments))
	for name := range b.segments {
		names = append(names, name)
	}

	resp := registerResponse{
		ClientID:          clientID.String(),
		Segments:          names,
		DiscoveryChannel:  channelName,
		DiscoveryCapacity: b.cfg.DiscoveryChannelCapacity,
	}
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		slog.Error("register response failed", "process_id", req.ProcessID, "err", err)
		return
	}
	slog.Info("client registered", "process_id", req.ProcessID, "client_id", resp.ClientID)

	var owned []protocol.PortRef
	defer func() {
		b.mu.Lock()
		for _, p := range owned {
			delete(b.clients, p)
		}
		b.mu.Unlock()
	}()

	for {
		msg, ok := ch.RecvFromPort(ctx)
		if !ok {
			return
		}

		b.mu.Lock()
		if _, known := b.clients[msg.Port]; !known {
			owned = append(owned, msg.Port)
		}
		b.clients[msg.Port] = ch
		b.mu.Unlock()

		b.dispatch(ctx, msg)
	}
}

func (b *broker) createChannelSegment(name string) (uintptr, *shm.Segment, error) {
	size := capro.ChannelSize(b.cfg.DiscoveryChannelCapacity)
	seg, err := shm.Create(name, int(size))
	if err != nil {
		return 0, nil, err
	}
	addr := uintptr(seg.Base())
	if !capro.InitChannel(addr, b.cfg.DiscoveryChannelCapacity) {
		seg.Close()
		seg.Unlink()
		return 0, nil, fmt.Errorf("channel %s: init failed", name)
	}
	return addr, seg, nil
}

func (b *broker) dispatch(ctx context.Context, msg protocol.Message) {
	var out []capro.Outbound
	switch msg.Kind {
	case protocol.KindOffer:
		out = b.registry.HandleOffer(msg)
	case protocol.KindStopOffer:
		out = b.registry.HandleStopOffer(msg)
	case protocol.KindSub:
		out = b.registry.HandleSub(msg)
	case protocol.KindUnsub:
		out = b.registry.HandleUnsub(msg)
	default:
		slog.Warn("unknown discovery message kind", "kind", msg.Kind)
		return
	}
	b.route(ctx, out)
}

func (b *broker) resync(ctx context.Context) {
	b.route(ctx, b.registry.ResyncMatches())
}

func (b *broker) route(ctx context.Context, out []capro.Outbound) {
	for _, o := range out {
		b.mu.Lock()
		ch, ok := b.clients[o.To]
		b.mu.Unlock()
		if !ok {
			slog.Warn("no known channel for outbound message recipient", "port", o.To)
			continue
		}
		if !ch.SendToPort(ctx, o.Msg) {
			slog.Error("discovery channel overflow sending to port", "port", o.To)
		}
	}
}
