package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crosslogic/billing-engine/internal/dlq"
	"github.com/crosslogic/billing-engine/internal/queue"
	"github.com/crosslogic/billing-engine/internal/store"
	"go.uber.org/zap"
)

func TestHandleHealth(t *testing.T) {
	a := New(Config{Store: store.NewMemStore(), Auth: PassThroughAuth("acct"), Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleDLQ_NotConfigured(t *testing.T) {
	a := New(Config{Store: store.NewMemStore(), Auth: PassThroughAuth("acct"), Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/internal/dlq", nil)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 when no dead-letter store is wired, got %d", rec.Code)
	}
}

func TestHandleDLQ_ListAndPurge(t *testing.T) {
	deadLetter := dlq.NewStore(zap.NewNop())
	deadLetter.Send(context.Background(), queue.Message{ID: "m1", Attempts: 3}, "redeliveries exhausted")
	a := New(Config{Store: store.NewMemStore(), Auth: PassThroughAuth("acct"), Logger: zap.NewNop(), DeadLetter: deadLetter})

	listReq := httptest.NewRequest(http.MethodGet, "/internal/dlq", nil)
	listRec := httptest.NewRecorder()
	a.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing dead letters, got %d", listRec.Code)
	}
	if !strings.Contains(listRec.Body.String(), "m1") {
		t.Fatalf("expected dead-lettered message id in response, got %s", listRec.Body.String())
	}

	purgeReq := httptest.NewRequest(http.MethodDelete, "/internal/dlq", nil)
	purgeRec := httptest.NewRecorder()
	a.ServeHTTP(purgeRec, purgeReq)
	if purgeRec.Code != http.StatusOK {
		t.Fatalf("expected 200 purging dead letters, got %d", purgeRec.Code)
	}

	if got := len(deadLetter.List()); got != 0 {
		t.Fatalf("expected dead-letter store empty after purge, got %d entries", got)
	}
}
