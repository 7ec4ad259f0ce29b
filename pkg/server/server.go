// Package server wires the HTTP surface: registration, renewal,
// revocation, resolution, listings, certificate status, health and
// metrics.
package server

import (
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/audit"
	"github.com/agentns/ans/pkg/ca"
	"github.com/agentns/ans/pkg/crypto"
	"github.com/agentns/ans/pkg/health"
	"github.com/agentns/ans/pkg/models"
	"github.com/agentns/ans/pkg/ocsp"
	"github.com/agentns/ans/pkg/ra"
	"github.com/agentns/ans/pkg/registry"
)

const maxBodyBytes = 1 << 20

// Server holds the handler dependencies.
type Server struct {
	ra        *ra.Authority
	registry  *registry.Registry
	responder *ocsp.Responder
	metrics   *audit.Metrics
	sink      audit.Sink
	log       *zap.Logger
}

// New assembles the HTTP server over an already-started core.
func New(authority *ra.Authority, reg *registry.Registry, responder *ocsp.Responder, metrics *audit.Metrics, sink audit.Sink, log *zap.Logger) *Server {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		ra:        authority,
		registry:  reg,
		responder: responder,
		metrics:   metrics,
		sink:      sink,
		log:       log,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID)
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/renew", s.handleRenew).Methods(http.MethodPost)
	r.HandleFunc("/revoke", s.handleRevoke).Methods(http.MethodPost)
	r.HandleFunc("/resolve", s.handleResolve).Methods(http.MethodPost)
	r.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	if s.responder != nil {
		r.Handle("/ocsp", s.responder).Methods(http.MethodGet, http.MethodPost)
	}
	r.HandleFunc("/health", health.Handler).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r.Header.Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string { return r.Header.Get("X-Request-ID") }

func statusFor(kind anserr.Kind) int {
	switch kind {
	case anserr.KindInvalidName, anserr.KindSchemaError, anserr.KindNameMismatch,
		anserr.KindExtensionInvalid, anserr.KindUnsupportedProtocol,
		anserr.KindReservedName, anserr.KindInvalidCSR:
		return http.StatusBadRequest
	case anserr.KindAlreadyRegistered, anserr.KindAmbiguous:
		return http.StatusConflict
	case anserr.KindCertificateExpired, anserr.KindCertificateRevoked,
		anserr.KindNotIssuedByThisCA, anserr.KindSignatureInvalid:
		return http.StatusForbidden
	case anserr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type failureBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, subject string, err error) {
	kind := anserr.KindOf(err)
	s.sink.Emit(audit.Event{
		Type:      audit.EventAPIFailure,
		RequestID: requestID(r),
		Subject:   subject,
		Kind:      string(kind),
		Detail:    anserr.Message(err),
	})
	s.log.Warn("request failed",
		zap.String("request_id", requestID(r)),
		zap.String("path", r.URL.Path),
		zap.String("kind", string(kind)),
		zap.Error(err))
	writeJSON(w, statusFor(kind), failureBody{Status: "failure", Error: anserr.Message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func certificateInfo(cert *x509.Certificate) *models.CertificateInfo {
	return &models.CertificateInfo{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		SerialNumber:       ca.SerialString(cert.SerialNumber),
		ValidFrom:          cert.NotBefore,
		ValidTo:            cert.NotAfter,
		PEM:                string(crypto.EncodeCertPEM(cert)),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeFailure(w, r, "", anserr.E("server.handleRegister", anserr.KindSchemaError, err))
		return
	}
	agent, cert, err := s.ra.ProcessRegistration(r.Context(), body)
	if err != nil {
		s.writeFailure(w, r, "", err)
		return
	}
	if err := s.registry.Register(r.Context(), agent); err != nil {
		s.writeFailure(w, r, agent.AgentID, err)
		return
	}
	writeJSON(w, http.StatusOK, models.AgentRegistrationResponse{
		Status:          "success",
		RegisteredAgent: agent,
		Certificate:     certificateInfo(cert),
	})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeFailure(w, r, "", anserr.E("server.handleRenew", anserr.KindSchemaError, err))
		return
	}
	var peek models.AgentRenewalRequest
	if err := json.Unmarshal(body, &peek); err != nil {
		s.writeFailure(w, r, "", anserr.E("server.handleRenew", anserr.KindSchemaError, err))
		return
	}
	agentID := peek.RequestingAgent.AgentID
	agent, err := s.registry.GetByName(r.Context(), peek.RequestingAgent.ANSName)
	if err != nil {
		s.writeFailure(w, r, agentID, err)
		return
	}
	cert, req, err := s.ra.ProcessRenewal(r.Context(), body, agent)
	if err != nil {
		s.writeFailure(w, r, agentID, err)
		return
	}
	renewed, err := s.registry.ApplyRenewal(r.Context(), agent.ANSName, cert, req.RequestingAgent.RevokePrevious)
	if err != nil {
		s.writeFailure(w, r, agentID, err)
		return
	}
	validUntil := cert.NotAfter
	writeJSON(w, http.StatusOK, models.AgentRenewalResponse{
		Status:      "success",
		Agent:       renewed,
		Certificate: certificateInfo(cert),
		ValidUntil:  &validUntil,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req models.RevocationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeFailure(w, r, "", anserr.E("server.handleRevoke", anserr.KindSchemaError, err))
		return
	}
	if req.AgentID == "" {
		s.writeFailure(w, r, "", anserr.E("server.handleRevoke", anserr.KindSchemaError, "agent_id is required"))
		return
	}
	var err error
	if req.ANSName != "" {
		_, err = s.registry.RevokeName(r.Context(), req.ANSName, req.Reason)
	} else {
		_, err = s.registry.Revoke(r.Context(), req.AgentID, req.Reason)
	}
	if err != nil {
		s.writeFailure(w, r, req.AgentID, err)
		return
	}
	writeJSON(w, http.StatusOK, models.RevocationResponse{Status: "success", AgentID: req.AgentID})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req models.ResolutionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeFailure(w, r, "", anserr.E("server.handleResolve", anserr.KindSchemaError, err))
		return
	}
	if req.ANSName == "" {
		s.writeFailure(w, r, "", anserr.E("server.handleResolve", anserr.KindSchemaError, "ans_name is required"))
		return
	}
	record, err := s.registry.Resolve(r.Context(), req.ANSName, req.VersionRange)
	if err != nil {
		s.writeFailure(w, r, req.ANSName, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := registry.ListOptions{
		Protocol:   q.Get("protocol"),
		Capability: q.Get("capability"),
		Provider:   q.Get("provider"),
	}
	if v := q.Get("include_inactive"); v != "" {
		opts.IncludeInactive, _ = strconv.ParseBool(v)
	}
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeFailure(w, r, "", anserr.E("server.handleListAgents", anserr.KindSchemaError, "max must be an integer"))
			return
		}
		opts.Max = n
	}
	agents, err := s.registry.List(r.Context(), opts)
	if err != nil {
		s.writeFailure(w, r, "", err)
		return
	}
	total, err := s.registry.Count(r.Context())
	if err != nil {
		s.writeFailure(w, r, "", err)
		return
	}
	if agents == nil {
		agents = []*models.Agent{}
	}
	writeJSON(w, http.StatusOK, models.AgentListResponse{
		Agents: agents,
		Query: map[string]string{
			"protocol":   orStar(opts.Protocol),
			"capability": orStar(opts.Capability),
			"provider":   orStar(opts.Provider),
		},
		MatchCount: len(agents),
		TotalCount: total,
	})
}

func orStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
