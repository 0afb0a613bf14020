package voice

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ambiware-labs/timbre/internal/bus"
	"github.com/ambiware-labs/timbre/internal/protocol"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 120 * time.Second

// Service exposes the pipeline over the bus as request/reply subjects.
type Service struct {
	bus    *bus.Client
	orch   *Orchestrator
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewService wires the orchestrator to the bus. busClient may be nil when
// the bus is disabled; Start is then a no-op.
func NewService(parent context.Context, busClient *bus.Client, orch *Orchestrator, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		orch:   orch,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "voice-service")),
	}
}

// Start subscribes the pipeline subjects.
func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectExtract, s.handleExtract},
		{protocol.SubjectClone, s.handleClone},
		{protocol.SubjectSpeakers, s.handleSpeakers},
		{protocol.SubjectPurge, s.handlePurge},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.Close()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Close drains the subscriptions and waits for in-flight handlers.
func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.subs = nil
	s.wg.Wait()
}

// Healthy reports whether the subjects are subscribed (or the bus is off).
func (s *Service) Healthy() bool { return s.bus == nil || len(s.subs) > 0 }

func (s *Service) handleExtract(msg *nats.Msg) {
	var req protocol.ExtractRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode extract request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		var reply protocol.ExtractReply
		result, err := s.orch.ExtractEmbedding(ctx, req.Filename, req.Audio)
		if err != nil {
			reply.Error = err.Error()
			reply.ErrorKind = string(KindOf(err))
		} else {
			reply.SourceLabel = result.SourceLabel
			reply.EmbeddingID = result.EmbeddingID
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) handleClone(msg *nats.Msg) {
	var req protocol.CloneRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode clone request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		var reply protocol.CloneReply
		result, err := s.orch.CloneVoice(ctx, req.Text, req.Language, req.Speaker, req.Speed, req.TargetEmbeddingID)
		if err != nil {
			reply.Error = err.Error()
			reply.ErrorKind = string(KindOf(err))
		} else {
			reply.Audio = result.Audio
			reply.OutputName = result.OutputName
			reply.Text = result.Text
			reply.Language = result.Language
			reply.Speaker = result.Speaker
			reply.Speed = result.Speed
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) handleSpeakers(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	reply, err := s.orch.ListSpeakers(ctx)
	if err != nil {
		s.logger.Warn("speaker listing failed", slogError(err))
	}
	s.respond(msg, reply)
}

func (s *Service) handlePurge(msg *nats.Msg) {
	req := protocol.PurgeRequest{MaxAgeHours: -1}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode purge request", slogError(err))
		return
	}
	removed := s.orch.PurgeOldArtifacts(req.MaxAgeHours)
	s.respond(msg, protocol.PurgeReply{Removed: removed})
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
