package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"incidents/internal/domain"
	"incidents/internal/permanent"
)

type stubSink struct {
	err    error
	alerts []domain.Alert
}

func (s *stubSink) ProcessAlert(_ context.Context, alert domain.Alert) error {
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func postAlerts(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

const singleAlertBody = `{"id":"a1","equipment_id":"press-07","type":"TEMP_HIGH","severity":"high","message":"temp","dt":1739876543210}`

func TestHTTPHandlerAcceptsSingleAlert(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	handler := NewHTTPHandler(sink, 1<<20)

	recorder := postAlerts(t, handler, singleAlertBody)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if len(sink.alerts) != 1 || sink.alerts[0].ID != "a1" {
		t.Fatalf("unexpected sink content %+v", sink.alerts)
	}
}

func TestHTTPHandlerAcceptsBatch(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	handler := NewHTTPHandler(sink, 1<<20)

	body := `[{"id":"a1","equipment_id":"press-07","type":"TEMP_HIGH","severity":"high","dt":1739876543210},{"id":"a2","equipment_id":"mill-03","type":"VIBRATION_HIGH","severity":"medium","dt":1739876543211}]`
	recorder := postAlerts(t, handler, body)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if len(sink.alerts) != 2 || sink.alerts[1].EquipmentID != "mill-03" {
		t.Fatalf("unexpected sink content %+v", sink.alerts)
	}
}

func TestHTTPHandlerRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&stubSink{}, 1<<20)

	for name, body := range map[string]string{
		"not json":      "not-json",
		"empty batch":   "[]",
		"missing field": `{"id":"a1","severity":"high","dt":1}`,
	} {
		if recorder := postAlerts(t, handler, body); recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, recorder.Code)
		}
	}
}

func TestHTTPHandlerRejectsNonPost(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&stubSink{}, 1<<20)
	request := httptest.NewRequest(http.MethodGet, "/alerts", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}
}

func TestHTTPHandlerMapsSinkErrors(t *testing.T) {
	t.Parallel()

	transient := NewHTTPHandler(&stubSink{err: errors.New("store unavailable")}, 1<<20)
	if recorder := postAlerts(t, transient, singleAlertBody); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("transient sink error: expected 503, got %d", recorder.Code)
	}

	invalid := NewHTTPHandler(&stubSink{err: permanent.Mark(errors.New("alert rejected"))}, 1<<20)
	if recorder := postAlerts(t, invalid, singleAlertBody); recorder.Code != http.StatusBadRequest {
		t.Fatalf("permanent sink error: expected 400, got %d", recorder.Code)
	}
}

func TestHTTPHandlerEnforcesBodyLimit(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&stubSink{}, 16)
	if recorder := postAlerts(t, handler, singleAlertBody); recorder.Code != http.StatusBadRequest {
		t.Fatalf("oversized body: expected 400, got %d", recorder.Code)
	}
}
