package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

// handleAgentRegister creates or refreshes an agent record. Registration is
// idempotent: agents repeat it every iteration as a capability advertisement.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var agent types.Agent
	if err := decode(r, &agent); err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	agent.Status = types.AgentStatusActive
	agent.LastHeartbeat = now
	agent.UpdatedAt = now
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}

	err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		if err := s.enforce(r.Context(), tx, nil, "orch.agents.write"); err != nil {
			return err
		}
		return tx.Save(&agent).Error
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	var agents []types.Agent
	err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		if err := s.enforce(r.Context(), tx, nil, "orch.agents.read"); err != nil {
			return err
		}
		var err error
		agents, err = storage.List[types.Agent](tx)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleAgentHeartbeat refreshes the liveness timestamp. An unknown agent
// yields NotFound so the caller re-registers.
func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		if err := s.enforce(r.Context(), tx, nil, "orch.agents.write"); err != nil {
			return err
		}
		res := tx.Model(&types.Agent{}).Where("uuid = ?", id).
			Update("last_heartbeat", time.Now().UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errdefs.NotFoundf("agent %s not found", id)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleAgentTargets returns the targets of one kind assigned to the agent,
// DELETING rows included.
func (s *Server) handleAgentTargets(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	kind := types.Kind(r.URL.Query().Get("kind"))
	if !types.ValidKind(kind) {
		writeError(w, errdefs.Validationf("unknown kind %q", kind))
		return
	}

	out := []types.Resource{}
	err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		if err := s.enforce(r.Context(), tx, nil, "orch.agents.read"); err != nil {
			return err
		}
		targets, err := storage.TargetsByAgent(tx, id, kind)
		if err != nil {
			return err
		}
		for i := range targets {
			out = append(out, targets[i].ToResource())
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// actualsPush is the bulk report body: the complete actual set of one agent
// for one kind.
type actualsPush struct {
	AgentUUID uuid.UUID        `json:"agent_uuid" validate:"required"`
	Kind      types.Kind       `json:"kind" validate:"required"`
	Actuals   []types.Resource `json:"actuals"`
}

// handleActualsPush replaces the actual set of one agent and kind. Reported
// rows are upserted; rows the agent no longer reports are removed, which is
// what lets DELETING targets finalize.
func (s *Server) handleActualsPush(w http.ResponseWriter, r *http.Request) {
	var push actualsPush
	if err := decode(r, &push); err != nil {
		writeError(w, err)
		return
	}
	if !types.ValidKind(push.Kind) {
		writeError(w, errdefs.Validationf("unknown kind %q", push.Kind))
		return
	}

	err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		if err := s.enforce(r.Context(), tx, nil, "status.actuals.write"); err != nil {
			return err
		}

		now := time.Now().UTC()
		reported := make(map[uuid.UUID]struct{}, len(push.Actuals))
		for i := range push.Actuals {
			res := &push.Actuals[i]
			if res.Kind != push.Kind {
				return errdefs.Validationf("actual %s carries kind %s, push is for %s", res.UUID, res.Kind, push.Kind)
			}
			hash, err := res.FullHash()
			if err != nil {
				return errdefs.Wrapf(errdefs.ErrValidation, err, "hash actual %s", res.UUID)
			}
			observed := res.ObservedAt
			if observed.IsZero() {
				observed = now
			}
			actual := &types.ActualResource{
				UUID:              res.UUID,
				Kind:              res.Kind,
				ProjectID:         res.ProjectID,
				TargetVersion:     res.Version,
				Status:            res.Status,
				StatusDescription: res.StatusDescription,
				Spec:              string(res.Spec),
				FullHash:          hash,
				AgentUUID:         push.AgentUUID,
				ObservedAt:        observed,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := storage.UpsertActual(tx, actual); err != nil {
				return err
			}
			reported[res.UUID] = struct{}{}
		}

		prior, err := storage.ListActualsByAgent(tx, push.AgentUUID, push.Kind)
		if err != nil {
			return err
		}
		for _, a := range prior {
			if _, ok := reported[a.UUID]; ok {
				continue
			}
			if err := storage.DeleteActual(tx, a.UUID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
