package ingest

import (
	"io"
	"net/http"

	"incidents/internal/permanent"
)

// HTTPHandler decodes JSON alerts and forwards them to the sink.
// Single objects and batch arrays are accepted on the same endpoint.
// Params: sink receives validated alerts, max body limits payload size.
// Returns: HTTP handler for the alert ingest endpoint.
type HTTPHandler struct {
	sink        AlertSink
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink AlertSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one incoming alert request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/process result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	// The scratch backs the returned slice, so it is released only after
	// every alert has been handed to the sink.
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	alerts, err := decodeAlertPayloadInto(body, scratch)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, alert := range alerts {
		if err := h.sink.ProcessAlert(request.Context(), alert); err != nil {
			if permanent.Is(err) {
				writer.WriteHeader(http.StatusBadRequest)
				return
			}
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	writer.WriteHeader(http.StatusAccepted)
}
