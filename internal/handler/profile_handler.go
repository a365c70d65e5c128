package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/ratemyrental/internal/middleware"
	"github.com/hitoshi/ratemyrental/internal/model"
	"github.com/hitoshi/ratemyrental/internal/security"
)

// プロフィール項目の最大文字数（rune単位）
const (
	maxFullNameLength = 100
	maxBioLength      = 1000
	maxLocationLength = 200
	maxPhoneLength    = 32
	maxURLLength      = 2048
)

var phonePattern = regexp.MustCompile(`^[0-9+()\-. ]+$`)

// AvatarChecker はアバターURLが画像を返すかを確認する。
// security.AvatarProbeが実装する。
type AvatarChecker interface {
	Check(ctx context.Context, rawURL string) error
}

// ProfileHandler はプロフィール更新のHTTPハンドラー。
type ProfileHandler struct {
	sanitizer *security.TextSanitizer
	avatars   AvatarChecker
	logger    *slog.Logger
}

// NewProfileHandler はProfileHandlerを生成する。avatarsがnilの場合は到達確認をしない。
func NewProfileHandler(sanitizer *security.TextSanitizer, avatars AvatarChecker, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{
		sanitizer: sanitizer,
		avatars:   avatars,
		logger:    logger,
	}
}

// updateProfileRequest はプロフィール更新リクエストのボディ。
// 省略した項目は変更しない。空文字列は値の削除を表す。
type updateProfileRequest struct {
	FullName  *string `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
	UserType  *string `json:"user_type"`
	Bio       *string `json:"bio"`
	Location  *string `json:"location"`
	Phone     *string `json:"phone"`
	Website   *string `json:"website"`
}

// UpdateProfile はサインイン中ユーザーのプロフィールを部分更新する。
// PATCH /api/profile
// 成功時は再解決後のセッション状態を返す。
func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	ctrl := signedInController(w, r)
	if ctrl == nil {
		return
	}
	snap := ctrl.Snapshot()

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidBody(w)
		return
	}

	var current *model.Profile
	if snap.User != nil {
		current = &snap.User.Profile
	}
	update, fields := h.buildUpdate(r.Context(), req, current)
	if len(fields) > 0 {
		middleware.WriteFieldErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError(), fields)
		return
	}

	out := ctrl.UpdateProfile(r.Context(), update)
	if !out.OK() {
		writeOutcomeError(w, out)
		return
	}
	writeJSON(w, http.StatusOK, toSessionStateResponse(ctrl.Snapshot()))
}

// buildUpdate はリクエストを検証・無害化してProfileUpdateに変換する。
// 項目ごとに最初に失敗したチェックのメッセージを返す。
func (h *ProfileHandler) buildUpdate(ctx context.Context, req updateProfileRequest, current *model.Profile) (model.ProfileUpdate, map[string]string) {
	var update model.ProfileUpdate
	fields := map[string]string{}

	text := func(key string, in *string, limit int) *string {
		if in == nil {
			return nil
		}
		v := h.sanitizer.Sanitize(*in)
		if utf8.RuneCountInString(v) > limit {
			fields[key] = "Must be at most " + strconv.Itoa(limit) + " characters"
			return nil
		}
		return &v
	}

	update.FullName = text("full_name", req.FullName, maxFullNameLength)
	update.Bio = text("bio", req.Bio, maxBioLength)
	update.Location = text("location", req.Location, maxLocationLength)
	update.Phone = text("phone", req.Phone, maxPhoneLength)
	if update.Phone != nil && *update.Phone != "" && !phonePattern.MatchString(*update.Phone) {
		fields["phone"] = "Please enter a valid phone number"
		update.Phone = nil
	}

	if req.UserType != nil {
		role, ok := model.ParseRole(*req.UserType)
		if !ok {
			fields["user_type"] = "Please choose tenant, landlord, agent, or property manager"
		} else {
			update.UserType = &role
		}
	}

	if req.Website != nil {
		v := strings.TrimSpace(*req.Website)
		if msg := checkURL(v); msg != "" {
			fields["website"] = msg
		} else {
			update.Website = &v
		}
	}

	if req.AvatarURL != nil {
		v := strings.TrimSpace(*req.AvatarURL)
		if msg := checkURL(v); msg != "" {
			fields["avatar_url"] = msg
		} else if v != "" && h.avatars != nil && !sameURL(current, v) {
			if err := h.avatars.Check(ctx, v); err != nil {
				h.logger.Info("アバターURLの確認に失敗しました",
					slog.String("url", v),
					slog.String("error", err.Error()),
				)
				fields["avatar_url"] = "Avatar URL must point to a reachable image"
			} else {
				update.AvatarURL = &v
			}
		} else {
			update.AvatarURL = &v
		}
	}

	return update, fields
}

// checkURL は空文字列（削除）または公開ホストのhttp(s) URLかを検証する。
func checkURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) > maxURLLength {
		return "URL is too long"
	}
	if err := security.ValidatePublicURL(v); err != nil {
		return "Please enter a valid http or https URL"
	}
	return ""
}

// sameURL は現在のアバターURLから変更がないかを返す。変更がなければ再確認しない。
func sameURL(current *model.Profile, v string) bool {
	return current != nil && current.AvatarURL != nil && *current.AvatarURL == v
}
