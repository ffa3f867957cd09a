package world

import (
	"context"
	"encoding/json"

	domainworld "npc-server/internal/domain/world"
)

type message struct {
	to      uint32
	skip    uint32
	payload any
}

type busEvent struct {
	subject string
	payload any
}

// outbox collects what a locked section wants to tell the outside world.
type outbox struct {
	messages []message
	events   []busEvent
	sales    []domainworld.SaleRecord
}

// sendLocked queues a message for one player.
func (s *Service) sendLocked(to uint32, payload any) {
	s.out.messages = append(s.out.messages, message{to: to, payload: payload})
}

// broadcastLocked queues a message for every player in the zone but skip.
func (s *Service) broadcastLocked(skip uint32, payload any) {
	s.out.messages = append(s.out.messages, message{skip: skip, payload: payload})
}

func (s *Service) publishLocked(subject string, payload any) {
	s.out.events = append(s.out.events, busEvent{subject: subject, payload: payload})
}

func (s *Service) takeOutboxLocked() outbox {
	out := s.out
	s.out = outbox{}
	return out
}

func (s *Service) flush(out outbox) {
	if len(out.messages) > 0 {
		encoded := make([][]byte, len(out.messages))
		for i, m := range out.messages {
			b, err := json.Marshal(m.payload)
			if err != nil {
				s.logger.Error().Err(err).Msg("marshal ws payload failed")
				continue
			}
			encoded[i] = b
		}

		// Send channels are only closed under the write lock.
		s.mu.RLock()
		clients := make(map[uint32]*Client, len(s.clients))
		for c := range s.clients {
			if c.PlayerID != 0 {
				clients[c.PlayerID] = c
			}
		}
		for i, m := range out.messages {
			b := encoded[i]
			if b == nil {
				continue
			}
			if m.to != 0 {
				if c, ok := clients[m.to]; ok {
					nonBlockingSend(c.Send, b)
				}
				continue
			}
			for id, c := range clients {
				if id != m.skip {
					nonBlockingSend(c.Send, b)
				}
			}
		}
		s.mu.RUnlock()
	}

	if s.pub != nil {
		for _, e := range out.events {
			b, err := json.Marshal(e.payload)
			if err != nil {
				s.logger.Error().Err(err).Str("subject", e.subject).Msg("marshal event failed")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := s.pub.Publish(ctx, e.subject, b); err != nil {
				s.logger.Warn().Err(err).Str("subject", e.subject).Msg("publish failed")
			}
			cancel()
		}
	}

	if s.sales != nil && len(out.sales) > 0 {
		sales := out.sales
		go func() {
			for _, sale := range sales {
				ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				if err := s.sales.RecordSale(ctx, sale); err != nil {
					s.logger.Warn().Err(err).Str("sale_id", sale.ID.String()).Msg("sale record failed")
				}
				cancel()
			}
		}()
	}
}

func nonBlockingSend(ch chan []byte, msg []byte) {
	select {
	case ch <- msg:
	default:
	}
}

// SendError reports a rejected request to one client.
func (s *Service) SendError(c *Client, message string) {
	b, err := json.Marshal(map[string]any{"type": "error", "message": message})
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[c]; ok {
		nonBlockingSend(c.Send, b)
	}
}
