package provider

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/remote"
	"github.com/oriys/quasar/internal/rpc"
)

// HTTPHandler serves exported services over the HTTP protocol.
type HTTPHandler struct {
	Services *Registry
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /services/{service}/{method}", h.Invoke)
	mux.HandleFunc("GET /services", h.ListServices)
}

func (h *HTTPHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	method := r.PathValue("method")

	var req remote.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, rpc.NewError(rpc.CodeBiz, "invalid JSON: %v", err))
		return
	}
	req.Service = service
	req.Method = method
	inv := req.Invocation()
	if id := r.Header.Get(remote.HeaderRequestID); id != "" && inv.Attachment(rpc.AttachRequestID) == "" {
		inv.Attachments[rpc.AttachRequestID] = id
	}

	res, err := h.Services.Invoke(r.Context(), service, inv)
	if err != nil {
		logging.Op().Debug("http invocation failed",
			"service", service,
			"method", method,
			"request_id", inv.Attachment(rpc.AttachRequestID),
			"error", err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&remote.Response{Value: res.Value, Attachments: res.Attachments})
}

func (h *HTTPHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	type serviceEntry struct {
		Name        string   `json:"name"`
		Application string   `json:"application,omitempty"`
		Methods     []string `json:"methods"`
	}

	services := h.Services.Services()
	out := make([]serviceEntry, 0, len(services))
	for _, svc := range services {
		e := serviceEntry{Name: svc.Name, Application: svc.Application, Methods: make([]string, 0, len(svc.Methods))}
		for m := range svc.Methods {
			e.Methods = append(e.Methods, m)
		}
		sort.Strings(e.Methods)
		out = append(out, e)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func writeError(w http.ResponseWriter, err error) {
	re := rpc.WrapError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(remote.HTTPStatus(re.Code))
	json.NewEncoder(w).Encode(&remote.ErrorBody{Code: re.Code.String(), Message: re.Error()})
}
