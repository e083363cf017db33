// Package grpcapi implements the gRPC control API for ipfd.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/ipfrx/pkg/api"
	"github.com/psaab/ipfrx/pkg/configstore"
	"github.com/psaab/ipfrx/pkg/conntrack"
	"github.com/psaab/ipfrx/pkg/filter"
	"github.com/psaab/ipfrx/pkg/logging"
)

// Config configures the gRPC server.
type Config struct {
	Filter   *filter.Filter
	Store    *configstore.Store
	EventBuf *logging.EventBuffer
	GC       *conntrack.GC
}

// Server implements the Control service.
type Server struct {
	filter    *filter.Filter
	store     *configstore.Store
	eventBuf  *logging.EventBuffer
	gc        *conntrack.GC
	startTime time.Time
	addr      string
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		filter:    cfg.Filter,
		store:     cfg.Store,
		eventBuf:  cfg.EventBuf,
		gc:        cfg.GC,
		startTime: time.Now(),
		addr:      addr,
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	srv.RegisterService(&ServiceDesc, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	return nil
}

type method func(s *Server, ctx context.Context, a args) (any, error)

// methods is the unary method table. Each entry is also a MethodDesc.
var methods = map[string]method{
	// operational
	"GetStatus":    (*Server).getStatus,
	"GetStats":     (*Server).getStats,
	"ZeroStats":    (*Server).zeroStats,
	"ListRules":    (*Server).listRules,
	"ZeroRules":    (*Server).zeroRules,
	"SwapRules":    (*Server).swapRules,
	"GetState":     (*Server).getState,
	"FlushState":   (*Server).flushState,
	"GetNAT":       (*Server).getNAT,
	"FlushNAT":     (*Server).flushNAT,
	"GetFrag":      (*Server).getFrag,
	"FlushFrag":    (*Server).flushFrag,
	"SetEnabled":   (*Server).setEnabled,
	"SetLogPolicy": (*Server).setLogPolicy,
	"GetLog":       (*Server).getLog,

	// configuration
	"EnterConfigure": (*Server).enterConfigure,
	"ExitConfigure":  (*Server).exitConfigure,
	"ConfigStatus":   (*Server).configStatus,
	"AddRule":        (*Server).addRule,
	"DeleteRule":     (*Server).deleteRule,
	"LoadRules":      (*Server).loadRules,
	"Commit":         (*Server).commit,
	"CommitCheck":    (*Server).commitCheck,
	"Rollback":       (*Server).rollback,
	"ShowConfig":     (*Server).showConfig,
	"ShowCompare":    (*Server).showCompare,
	"ListHistory":    (*Server).listHistory,
}

// Call dispatches a unary method.
func (s *Server) Call(ctx context.Context, name string, req *structpb.Struct) (*structpb.Struct, error) {
	m, ok := methods[name]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", name)
	}
	v, err := m(s, ctx, args{req})
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encode(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode %s: %v", name, err)
	}
	return out, nil
}

func (s *Server) needFilter() error {
	if s.filter == nil {
		return status.Error(codes.Unavailable, "filter not available")
	}
	return nil
}

func (s *Server) needStore() error {
	if s.store == nil {
		return status.Error(codes.Unavailable, "rule store not available")
	}
	return nil
}

// --- Operational RPCs ---

func (s *Server) getStatus(_ context.Context, _ args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return api.StatusView(s.filter, s.eventBuf, s.gc, time.Since(s.startTime)), nil
}

func (s *Server) getStats(_ context.Context, _ args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return s.filter.Stats(), nil
}

func (s *Server) zeroStats(_ context.Context, _ args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return s.filter.ZeroStats(), nil
}

func (s *Server) listRules(_ context.Context, a args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	sel, err := api.ParseSelector(a.String("set"), a.String("dir"), a.String("list"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return api.RuleView(sel, s.filter.Rules(sel)), nil
}

func (s *Server) zeroRules(_ context.Context, a args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return api.FlushResult{Removed: s.filter.ZeroRuleCounters(a.String("set") == "inactive")}, nil
}

func (s *Server) swapRules(_ context.Context, _ args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return map[string]int{"active_set": s.filter.Swap()}, nil
}

func (s *Server) getState(_ context.Context, _ args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return api.StateView(s.filter.StateStats()), nil
}

func (s *Server) flushState(_ context.Context, _ args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return api.FlushResult{Removed: s.filter.FlushState()}, nil
}

func (s *Server) getNAT(_ context.Context, _ args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return api.NATView(s.filter.NATRules(), s.filter.NATStats()), nil
}

func (s *Server) flushNAT(_ context.Context, a args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return api.FlushResult{Removed: s.filter.FlushNAT(a.Bool("rules"))}, nil
}

func (s *Server) getFrag(_ context.Context, _ args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return s.filter.FragStats(), nil
}

func (s *Server) flushFrag(_ context.Context, _ args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	return api.FlushResult{Removed: s.filter.FlushFrags()}, nil
}

func (s *Server) setEnabled(_ context.Context, a args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	on := a.Bool("enabled")
	s.filter.SetEnabled(on)
	slog.Info("filter state changed", "enabled", on)
	return map[string]bool{"enabled": on}, nil
}

func (s *Server) setLogPolicy(_ context.Context, a args) (any, error) {
	if err := s.needFilter(); err != nil {
		return nil, err
	}
	p, err := filter.ParseLogPolicy(strings.FieldsFunc(a.String("policy"), func(r rune) bool {
		return r == ',' || r == ' '
	}))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	old := s.filter.SetLogPolicy(p)
	return map[string]string{"log_policy": p.String(), "previous": old.String()}, nil
}

func (a args) eventFilter() logging.EventFilter {
	return logging.EventFilter{
		Iface:    a.String("iface"),
		Type:     a.String("type"),
		Protocol: a.String("proto"),
		Action:   a.String("action"),
	}
}

func (s *Server) getLog(_ context.Context, a args) (any, error) {
	if s.eventBuf == nil {
		return nil, status.Error(codes.Unavailable, "event buffer not available")
	}
	n := a.Int("n", 50)
	if n <= 0 {
		return nil, status.Error(codes.InvalidArgument, "invalid n")
	}
	recs := s.eventBuf.LatestFiltered(n, a.eventFilter())
	out := make([]api.EventEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, api.EventView(rec))
	}
	return out, nil
}

// StreamLog sends matching log records until the client goes away.
func (s *Server) StreamLog(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	return s.streamLog(stream.Context(), args{req}, stream.Send)
}

func (s *Server) streamLog(ctx context.Context, a args, send func(*structpb.Struct) error) error {
	if s.eventBuf == nil {
		return status.Error(codes.Unavailable, "event buffer not available")
	}
	ef := a.eventFilter()
	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-sub.C:
			if !ef.Matches(&rec) {
				continue
			}
			msg, err := encode(api.EventView(rec))
			if err != nil {
				return status.Errorf(codes.Internal, "encode record: %v", err)
			}
			if err := send(msg); err != nil {
				return err
			}
		}
	}
}

// --- Config lifecycle RPCs ---

func (s *Server) enterConfigure(_ context.Context, _ args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	return nil, s.store.EnterConfigure()
}

func (s *Server) exitConfigure(_ context.Context, _ args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	s.store.ExitConfigure()
	return nil, nil
}

func (s *Server) configStatus(_ context.Context, _ args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	return api.ConfigStatus{ConfigMode: s.store.InConfigMode(), Dirty: s.store.IsDirty()}, nil
}

func (s *Server) addRule(_ context.Context, a args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	if a.Bool("nat") {
		return nil, s.store.AddNAT(a.String("rule"))
	}
	return nil, s.store.AddRule(a.String("rule"))
}

func (s *Server) deleteRule(_ context.Context, a args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	if a.Bool("nat") {
		return nil, s.store.DeleteNAT(a.String("rule"))
	}
	return nil, s.store.DeleteRule(a.String("rule"))
}

func (s *Server) loadRules(_ context.Context, a args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	return nil, s.store.Replace(a.String("rules"), a.String("nat"))
}

func (s *Server) commit(_ context.Context, a args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	if err := s.store.Commit(a.String("comment")); err != nil {
		return nil, err
	}
	slog.Info("rule set committed via gRPC", "comment", a.String("comment"))
	return nil, nil
}

func (s *Server) commitCheck(_ context.Context, _ args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	if err := s.store.CommitCheck(); err != nil {
		return nil, err
	}
	return api.TextOutput{Output: "configuration check succeeds"}, nil
}

func (s *Server) rollback(_ context.Context, a args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	return nil, s.store.Rollback(a.Int("n", 0))
}

func (s *Server) showConfig(_ context.Context, a args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	if a.String("target") == "candidate" {
		if !s.store.InConfigMode() {
			return nil, status.Error(codes.FailedPrecondition, "not in configuration mode")
		}
		return api.TextOutput{Output: s.store.ShowCandidate()}, nil
	}
	return api.TextOutput{Output: s.store.ShowActive()}, nil
}

func (s *Server) showCompare(_ context.Context, _ args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	return api.TextOutput{Output: s.store.ShowCompare()}, nil
}

func (s *Server) listHistory(_ context.Context, _ args) (any, error) {
	if err := s.needStore(); err != nil {
		return nil, err
	}
	return api.HistoryView(s.store.History()), nil
}
