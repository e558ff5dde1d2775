package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"

	"member-auth/internal/observability"
	"member-auth/internal/otp"
	"member-auth/internal/token"
)

var phoneRegex = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type requestOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type verifyOTPRequest struct {
	ChallengeID       string `json:"challenge_id"`
	PhoneNumber       string `json:"phone_number"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type refreshRequest struct {
	RefreshToken      string `json:"refresh_token"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body requestOTPRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.PhoneNumber = strings.TrimSpace(body.PhoneNumber)
	if !phoneRegex.MatchString(body.PhoneNumber) {
		writeError(w, http.StatusBadRequest, "phone number format is invalid")
		return
	}

	challengeID, err := h.service.RequestOTP(r.Context(), body.PhoneNumber)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to start verification")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"challenge_id": challengeID})
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body verifyOTPRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.ChallengeID = strings.TrimSpace(body.ChallengeID)
	body.PhoneNumber = strings.TrimSpace(body.PhoneNumber)
	body.Code = strings.TrimSpace(body.Code)
	if body.ChallengeID == "" || !phoneRegex.MatchString(body.PhoneNumber) || body.Code == "" {
		writeError(w, http.StatusBadRequest, "challenge, phone number and code are required")
		return
	}

	tokens, err := h.service.VerifyOTP(r.Context(), body.ChallengeID, body.PhoneNumber, body.Code, bindingFrom(r, body.DeviceFingerprint))
	if err != nil {
		switch {
		case errors.Is(err, otp.ErrChallengeNotFound),
			errors.Is(err, otp.ErrChallengeExpired),
			errors.Is(err, otp.ErrChallengeConsumed),
			errors.Is(err, otp.ErrCodeMismatch):
			// One answer for every verification defect, so callers cannot
			// probe which part was wrong.
			writeError(w, http.StatusUnauthorized, "verification failed")
		case errors.Is(err, otp.ErrTooManyAttempts):
			writeError(w, http.StatusTooManyRequests, "too many attempts, request a new code")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to verify code")
		}
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body refreshRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken, bindingFrom(r, body.DeviceFingerprint))
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrSessionCompromised) {
			// Compromise handling already happened in the service; the
			// response stays indistinguishable from a plain bad token.
			writeError(w, http.StatusUnauthorized, "please log in again")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body logoutRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := h.service.Logout(r.Context(), body.RefreshToken, ClaimsFromContext(r.Context())); err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	revoked, err := h.service.LogoutAll(r.Context(), claims.UserID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"revoked_sessions": revoked})
}

// Me echoes the verified identity back to the caller.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": claims.UserID,
		"name":    claims.Name,
		"phone":   claims.Phone,
		"roles":   claims.Roles,
	})
}

func bindingFrom(r *http.Request, deviceFingerprint string) token.Binding {
	return token.Binding{
		DeviceFingerprint: strings.TrimSpace(deviceFingerprint),
		IPAddress:         observability.ClientIP(r),
		UserAgent:         r.UserAgent(),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
