// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/ratemyrental/internal/middleware"
	"github.com/hitoshi/ratemyrental/internal/model"
	"github.com/hitoshi/ratemyrental/internal/session"
)

// profileResponse はプロフィールのAPIレスポンス。
type profileResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  *string   `json:"full_name"`
	AvatarURL *string   `json:"avatar_url"`
	UserType  string    `json:"user_type"`
	Bio       *string   `json:"bio"`
	Location  *string   `json:"location"`
	Phone     *string   `json:"phone"`
	Website   *string   `json:"website"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// userResponse は解決済みユーザーのAPIレスポンス。
type userResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	Avatar        string          `json:"avatar"`
	Type          string          `json:"type"`
	JoinDate      time.Time       `json:"join_date"`
	ReviewsCount  int             `json:"reviews_count"`
	AverageRating float64         `json:"average_rating"`
	Profile       profileResponse `json:"profile"`
}

// sessionStateResponse はセッション状態のAPIレスポンス。
// degradedの場合はuserを持たず、errorにプロフィール取得不可の情報を入れる。
type sessionStateResponse struct {
	State string                        `json:"state"`
	User  *userResponse                 `json:"user,omitempty"`
	Error *middleware.ErrorResponseBody `json:"error,omitempty"`
}

// pendingResponse はメール確認待ちサインアップのAPIレスポンス。
type pendingResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func toUserResponse(u *model.AppUser) *userResponse {
	if u == nil {
		return nil
	}
	p := u.Profile
	return &userResponse{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.Email,
		Avatar:        u.Avatar,
		Type:          string(u.Type),
		JoinDate:      u.JoinDate,
		ReviewsCount:  u.ReviewsCount,
		AverageRating: u.AverageRating,
		Profile: profileResponse{
			ID:        p.ID,
			Email:     p.Email,
			FullName:  p.FullName,
			AvatarURL: p.AvatarURL,
			UserType:  string(p.UserType),
			Bio:       p.Bio,
			Location:  p.Location,
			Phone:     p.Phone,
			Website:   p.Website,
			Verified:  p.Verified,
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		},
	}
}

// toSessionStateResponse はスナップショットをレスポンスに変換する。
// 解決中（resolving）やuninitializedの状態もそのまま返す。
func toSessionStateResponse(s session.Snapshot) sessionStateResponse {
	resp := sessionStateResponse{State: string(s.State)}
	switch s.State {
	case session.StateAuthenticated:
		resp.User = toUserResponse(s.User)
	case session.StateDegraded:
		apiErr := model.NewProfileUnavailableError()
		resp.Error = &middleware.ErrorResponseBody{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeOutcomeError は失敗したOutcomeを統一エラーフォーマットで書き込む。
func writeOutcomeError(w http.ResponseWriter, out session.Outcome) {
	switch out.Reason {
	case session.ReasonInvalidInput:
		middleware.WriteFieldErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError(), out.Fields)
	case session.ReasonInvalidCredentials:
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError(out.Message))
	case session.ReasonInvalidFormat:
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidFormatError(out.Message))
	case session.ReasonAlreadyRegistered:
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewAlreadyRegisteredError(out.Message))
	case session.ReasonWeakPassword:
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewWeakPasswordError(out.Message))
	case session.ReasonRateLimited:
		w.Header().Set("Retry-After", "60")
		middleware.WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError(out.Message))
	case session.ReasonNotAuthenticated:
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
	case session.ReasonProfileUpdateFailed:
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewProfileUpdateFailedError(out.Message))
	default:
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewAuthFailedError(out.Message))
	}
}

// writeInvalidBody はJSONの解析に失敗した場合のエラーを書き込む。
func writeInvalidBody(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "The request body could not be parsed.",
		Category: "validation",
		Action:   "Send a valid JSON body.",
	})
}

// signedInController はサインイン済みセッションのControllerを返す。
// Controllerがない、またはIdPセッションを持たない場合は401を書き込んでnilを返す。
func signedInController(w http.ResponseWriter, r *http.Request) *session.Controller {
	ctrl, err := middleware.ControllerFromContext(r.Context())
	if err != nil || ctrl.Snapshot().Session == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return nil
	}
	return ctrl
}
