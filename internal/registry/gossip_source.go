package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/devrev/boundary-gateway/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipSource derives the registry from a memberlist cluster in which every
// replica advertises its node record as member metadata. The gateway joins
// as a member without metadata. Every join, leave or update bumps the
// listing version.
type GossipSource struct {
	memberlist *memberlist.Memberlist
	version    atomic.Uint64
	logger     *zap.Logger
}

// GossipConfig holds gossip membership settings.
type GossipConfig struct {
	NodeName       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
}

// NewGossipSource creates the local member and joins the seeds.
func NewGossipSource(cfg GossipConfig, logger *zap.Logger) (*GossipSource, error) {
	gs := &GossipSource{logger: logger}
	gs.version.Store(1)

	mlConfig := memberlist.DefaultLANConfig()
	if cfg.NodeName != "" {
		mlConfig.Name = cfg.NodeName
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Events = &gossipEvents{source: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

func (s *GossipSource) Fetch(ctx context.Context) (*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	version := s.version.Load()
	nodes := nodesFromMembers(s.memberlist.Members(), s.logger)
	return &Listing{Version: version, Nodes: nodes}, nil
}

func (s *GossipSource) Name() string {
	return "gossip"
}

// Shutdown leaves the cluster and stops the local member.
func (s *GossipSource) Shutdown(timeout time.Duration) error {
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// EncodeNodeMeta renders the metadata a replica advertises.
func EncodeNodeMeta(n model.Node) ([]byte, error) {
	return json.Marshal(n)
}

// nodesFromMembers keeps only members that advertise a complete node record.
func nodesFromMembers(members []*memberlist.Node, logger *zap.Logger) []model.Node {
	nodes := make([]model.Node, 0, len(members))
	for _, m := range members {
		if len(m.Meta) == 0 {
			continue
		}
		var n model.Node
		if err := json.Unmarshal(m.Meta, &n); err != nil {
			logger.Debug("ignoring member with unreadable metadata",
				zap.String("member", m.Name), zap.Error(err))
			continue
		}
		if n.ID == "" || n.Fingerprint == "" || n.SubnetID == "" {
			continue
		}
		if n.Address == "" {
			n.Address = fmt.Sprintf("%s:%d", m.Addr, m.Port)
		}
		nodes = append(nodes, n)
	}
	model.SortNodes(nodes)
	return nodes
}

type gossipEvents struct {
	source *GossipSource
}

func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	e.source.version.Add(1)
	e.source.logger.Info("member joined", zap.String("member", node.Name))
}

func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	e.source.version.Add(1)
	e.source.logger.Info("member left", zap.String("member", node.Name))
}

func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	e.source.version.Add(1)
	e.source.logger.Debug("member updated", zap.String("member", node.Name))
}
