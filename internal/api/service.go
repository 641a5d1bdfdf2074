// Package api exposes the sync engine to UI surfaces over gRPC, using a JSON
// codec and a hand-written service descriptor.
package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/sectorsync/internal/bus"
	"github.com/matheus3301/sectorsync/internal/engine"
	"github.com/matheus3301/sectorsync/internal/history"
	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/syncerr"
)

// Engine is the set of entry points the service forwards to.
type Engine interface {
	Connect(ctx context.Context) error
	SwitchSector(ctx context.Context, sector string) error
	Disconnect()
	OpenConversation(ctx context.Context, id int64) (history.Result, error)
	LoadOlderMessages(ctx context.Context) (history.Result, error)
	SendMessage(ctx context.Context, body string) (model.Message, error)
	RetryMessage(ctx context.Context, tempID string) (model.Message, error)
	MarkRead(id int64)
	RefreshContacts(ctx context.Context) error
	Contacts() []model.Contact
	Messages() []model.Message
	Unread() map[int64]bool
	Status() engine.Status
}

// Service implements the Sync gRPC service.
type Service struct {
	engine    Engine
	bus       *bus.Bus
	profile   string
	startedAt time.Time
	logger    *zap.Logger
}

func NewService(e Engine, b *bus.Bus, profile string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: e, bus: b, profile: profile, startedAt: time.Now(), logger: logger}
}

// Register adds the service to a gRPC server.
func Register(s grpc.ServiceRegistrar, svc *Service) {
	s.RegisterService(&ServiceDesc, svc)
}

func (s *Service) GetStatus(_ context.Context, _ *Empty) (*StatusResponse, error) {
	st := s.engine.Status()
	return &StatusResponse{
		Profile:         s.profile,
		State:           string(st.State),
		Sector:          st.Sector,
		Conversation:    st.Conversation,
		HasMore:         st.HasMore,
		Contacts:        st.Contacts,
		PendingContacts: st.PendingContacts,
		Unread:          st.Unread,
		UptimeMs:        time.Since(s.startedAt).Milliseconds(),
		DroppedEvents:   s.bus.Dropped(),
	}, nil
}

func (s *Service) Connect(ctx context.Context, req *ConnectRequest) (*StatusResponse, error) {
	var err error
	if req.Sector != "" {
		err = s.engine.SwitchSector(ctx, req.Sector)
	} else {
		err = s.engine.Connect(ctx)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return s.GetStatus(ctx, &Empty{})
}

func (s *Service) Disconnect(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	s.engine.Disconnect()
	return s.GetStatus(ctx, &Empty{})
}

func (s *Service) ListContacts(_ context.Context, _ *Empty) (*ContactsResponse, error) {
	return &ContactsResponse{Contacts: s.engine.Contacts()}, nil
}

func (s *Service) RefreshContacts(ctx context.Context, _ *Empty) (*ContactsResponse, error) {
	if err := s.engine.RefreshContacts(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &ContactsResponse{Contacts: s.engine.Contacts()}, nil
}

func (s *Service) GetUnread(_ context.Context, _ *Empty) (*UnreadResponse, error) {
	return &UnreadResponse{Unread: s.engine.Unread()}, nil
}

func (s *Service) OpenConversation(ctx context.Context, req *OpenRequest) (*PageResponse, error) {
	if req.ConversationID < 0 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid conversation id %d", req.ConversationID)
	}
	res, err := s.engine.OpenConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.page(res), nil
}

func (s *Service) LoadOlder(ctx context.Context, _ *Empty) (*PageResponse, error) {
	res, err := s.engine.LoadOlderMessages(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.page(res), nil
}

func (s *Service) ListMessages(_ context.Context, _ *Empty) (*MessagesResponse, error) {
	return &MessagesResponse{
		ConversationID: s.engine.Status().Conversation,
		Messages:       s.engine.Messages(),
	}, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if strings.TrimSpace(req.Body) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "empty message body")
	}
	m, err := s.engine.SendMessage(ctx, req.Body)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendResponse{Message: m}, nil
}

func (s *Service) RetryMessage(ctx context.Context, req *RetryRequest) (*SendResponse, error) {
	if req.TempID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "missing temp id")
	}
	m, err := s.engine.RetryMessage(ctx, req.TempID)
	if err != nil {
		return nil, grpcstatus.Error(codes.FailedPrecondition, err.Error())
	}
	return &SendResponse{Message: m}, nil
}

func (s *Service) MarkRead(_ context.Context, req *ReadRequest) (*Empty, error) {
	if req.ConversationID <= 0 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid conversation id %d", req.ConversationID)
	}
	s.engine.MarkRead(req.ConversationID)
	return &Empty{}, nil
}

// WatchEvents streams bus events until the client goes away.
func (s *Service) WatchEvents(req *WatchRequest, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if !matches(req.Prefixes, evt.Kind) {
				continue
			}
			out, err := toEvent(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) page(res history.Result) *PageResponse {
	return &PageResponse{
		Skipped:   res.Skipped,
		Stale:     res.Stale,
		Added:     res.Added,
		PageIndex: res.PageIndex,
		HasMore:   res.HasMore,
		Messages:  s.engine.Messages(),
	}
}

func matches(prefixes []string, kind string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}

func toEvent(evt bus.Event) (*Event, error) {
	payload := evt.Payload
	switch p := payload.(type) {
	case *syncerr.SendFailure:
		payload = map[string]any{"code": p.Code(), "tempId": p.TempID, "conversationId": p.ConversationID, "error": p.Error()}
	case *syncerr.TransportError:
		payload = map[string]any{"code": p.Code, "sector": p.Context, "error": p.Error()}
	case error:
		payload = map[string]any{"code": syncerr.CodeOf(p), "error": p.Error()}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{ID: evt.ID, Kind: evt.Kind, OccurredAt: evt.Timestamp, Payload: raw}, nil
}
