package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/roomwatch/occupancy/auth"
	"github.com/roomwatch/occupancy/internal"
	"github.com/roomwatch/occupancy/reconcile"
	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"
)

// Largest request body accepted. Sensor events and logins are tiny.
const maxBodyBytes = 64 * 1024

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler serves the sensor, login and health endpoints.
type HTTPHandler struct {
	Recorder      *Recorder
	Authenticator *auth.Authenticator
	Store         Pinger
}

type handlerFunc func(w http.ResponseWriter, req *http.Request) error

// wrap turns a handlerFunc into an http.Handler, rendering any returned error.
func wrap(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		err := fn(w, req)
		if err != nil {
			herr, ok := err.(*internal.HandlerError)
			if !ok {
				herr = &internal.HandlerError{
					StatusCode: 500,
					Err:        err,
					Message:    "internal server error",
				}
			}
			if herr.StatusCode >= 500 {
				hlog.FromRequest(req).Err(herr.Err).Int("status", herr.StatusCode).Msg("request failed")
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(herr.StatusCode)
			w.Write(herr.JSON())
		}
	})
}

func writeJSON(w http.ResponseWriter, code int, message string, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(internal.Envelope{
		Success: code < 300,
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, &internal.HandlerError{StatusCode: 400, Err: errors.New("missing request body")}
	}
	defer req.Body.Close()
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &internal.HandlerError{StatusCode: 400, Err: err}
	}
	if len(body) > maxBodyBytes {
		return nil, &internal.HandlerError{StatusCode: 413, Err: errors.New("request body too large")}
	}
	return body, nil
}

func (h *HTTPHandler) GetSensors() http.Handler {
	return wrap(func(w http.ResponseWriter, req *http.Request) error {
		views, err := h.Recorder.Sessions(req.Context())
		if err != nil {
			return &internal.HandlerError{
				StatusCode: 500,
				Err:        err,
				Message:    "failed to load sensor data",
			}
		}
		return writeJSON(w, 200, "sensor data loaded", views)
	})
}

func (h *HTTPHandler) AddSensor() http.Handler {
	return wrap(func(w http.ResponseWriter, req *http.Request) error {
		body, err := readBody(req)
		if err != nil {
			return err
		}
		in, err := internal.ParseIncoming(body)
		if err != nil {
			var verr *internal.ValidationError
			if errors.As(err, &verr) {
				return &internal.HandlerError{
					StatusCode: 400,
					Err:        err,
					Message:    "request validation failed",
					Data:       map[string]string{verr.Field: verr.Reason},
				}
			}
			return err
		}
		res, err := h.Recorder.Record(req.Context(), *in)
		if err != nil {
			return &internal.HandlerError{
				StatusCode: 500,
				Err:        err,
				Message:    "failed to record sensor data",
			}
		}
		if res.Outcome == reconcile.OutcomeRejected {
			return &internal.HandlerError{
				StatusCode: 409,
				Err:        fmt.Errorf("%s", res.Rejection),
				Message:    res.Rejection.Reason,
			}
		}
		return writeJSON(w, 201, "sensor data recorded", struct {
			Outcome   reconcile.Outcome `json:"outcome"`
			SessionID string            `json:"sessionId"`
		}{res.Outcome, res.SessionID})
	})
}

func (h *HTTPHandler) Login() http.Handler {
	return wrap(func(w http.ResponseWriter, req *http.Request) error {
		body, err := readBody(req)
		if err != nil {
			return err
		}
		parsed := gjson.ParseBytes(body)
		username := parsed.Get("username")
		password := parsed.Get("password")
		fields := make(map[string]string)
		if username.Type != gjson.String || username.Str == "" {
			fields["username"] = "username is required"
		}
		if password.Type != gjson.String || password.Str == "" {
			fields["password"] = "password is required"
		}
		if !gjson.ValidBytes(body) || len(fields) > 0 {
			return &internal.HandlerError{
				StatusCode: 400,
				Err:        errors.New("invalid login request"),
				Message:    "request validation failed",
				Data:       fields,
			}
		}
		token, err := h.Authenticator.Login(req.Context(), username.Str, password.Str)
		if errors.Is(err, auth.ErrBadCredentials) {
			return &internal.HandlerError{StatusCode: 401, Err: err}
		}
		if err != nil {
			return err
		}
		return writeJSON(w, 200, "logged in", map[string]string{"token": token})
	})
}

func (h *HTTPHandler) Health() http.Handler {
	return wrap(func(w http.ResponseWriter, req *http.Request) error {
		if err := h.Store.Ping(req.Context()); err != nil {
			return &internal.HandlerError{StatusCode: 503, Err: err, Message: "database unreachable"}
		}
		return writeJSON(w, 200, "ok", nil)
	})
}
