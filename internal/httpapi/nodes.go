package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/ids"
	"github.com/sandchest/sandchest/internal/repo"
	"nhooyr.io/websocket"
)

type createNodeRequest struct {
	Name       string `json:"name" validate:"required"`
	Hostname   string `json:"hostname" validate:"required"`
	SlotsTotal int    `json:"slots_total" validate:"required,min=1"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	n := &repo.Node{
		ID: ids.New(ids.PrefixNode), Name: req.Name, Hostname: req.Hostname,
		SlotsTotal: req.SlotsTotal, Status: repo.NodeOffline, LastSeenAt: time.Now().UTC(),
	}
	if err := s.Store.Nodes.Create(n); err != nil {
		writeError(w, r, apierr.Wrap(apierr.KindInternal, "create node failed", err))
		return
	}
	writeJSON(w, http.StatusCreated, toNodeView(n))
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Store.Nodes.List()
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.KindInternal, "list nodes failed", err))
		return
	}
	rows := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, toNodeView(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

type updateNodeRequest struct {
	Status string `json:"status" validate:"required,oneof=online offline draining disabled"`
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var req updateNodeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.Store.Nodes.UpdateStatus(id, repo.NodeStatus(req.Status)); err != nil {
		writeError(w, r, apierr.Wrap(apierr.KindInternal, "update node status failed", err))
		return
	}
	n, err := s.Store.Nodes.FindByID(id)
	if err != nil || n == nil {
		writeError(w, r, apierr.New(apierr.KindNotFound, "node not found"))
		return
	}
	writeJSON(w, http.StatusOK, toNodeView(n))
}

// handleInternalHeartbeat lets a node self-report liveness over plain HTTP
// as a fallback to the StreamEvents heartbeat frame, for nodes that can't
// hold the socket open continuously.
func (s *Server) handleInternalHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	if err := s.KV.RegisterNodeHeartbeat(r.Context(), nodeID, 30*time.Second); err != nil {
		writeError(w, r, apierr.Wrap(apierr.KindInternal, "register heartbeat failed", err))
		return
	}
	if err := s.Store.Nodes.TouchLastSeen(nodeID); err != nil {
		log.Warn().Err(err).Str("node_id", nodeID).Msg("touch node last seen failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInternalNodeStream upgrades to the node's bidirectional
// StreamEvents connection and hands it to the Registry, mirroring the
// teacher's handleTunnel upgrade-then-register shape.
func (s *Server) handleInternalNodeStream(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Warn().Err(err).Str("node_id", nodeID).Msg("node stream accept failed")
		return
	}

	s.NodeRegistry.Register(nodeID, conn)
	if err := s.Store.Nodes.UpdateStatus(nodeID, repo.NodeOnline); err != nil {
		log.Warn().Err(err).Str("node_id", nodeID).Msg("mark node online failed")
	}
	log.Info().Str("node_id", nodeID).Msg("node stream connected")
}
