package profile

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// MessageKey identifies a user-facing message.
type MessageKey string

// User-facing messages returned by the profile and session endpoints.
const (
	MsgInvalidPhone     MessageKey = "invalid_phone"
	MsgInvalidHandle    MessageKey = "invalid_handle"
	MsgInvalidLocale    MessageKey = "invalid_locale"
	MsgNothingToUpdate  MessageKey = "nothing_to_update"
	MsgInvalidBody      MessageKey = "invalid_body"
	MsgProfileUpdated   MessageKey = "profile_updated"
	MsgReadFailed       MessageKey = "read_failed"
	MsgUpdateFailed     MessageKey = "update_failed"
	MsgNotAuthenticated MessageKey = "not_authenticated"
	MsgSessionExpired   MessageKey = "session_expired"
	MsgLoggedOut        MessageKey = "logged_out"
	MsgInternal         MessageKey = "internal"
)

var translations = map[MessageKey]map[language.Tag]string{
	MsgInvalidPhone: {
		language.Japanese: "電話番号の形式が正しくありません。国番号を含めて入力してください。",
		language.English:  "Phone number is invalid. Include the country code, for example +819012345678.",
	},
	MsgInvalidHandle: {
		language.Japanese: "ハンドルネームは3文字以上30文字以内で入力してください。",
		language.English:  "Handle must be between 3 and 30 characters.",
	},
	MsgInvalidLocale: {
		language.Japanese: "ロケールは2〜5文字で入力してください。",
		language.English:  "Locale must be between 2 and 5 characters.",
	},
	MsgNothingToUpdate: {
		language.Japanese: "更新する属性がありません。",
		language.English:  "Nothing to update.",
	},
	MsgInvalidBody: {
		language.Japanese: "リクエストの形式が正しくありません。",
		language.English:  "Request body must be a JSON object.",
	},
	MsgProfileUpdated: {
		language.Japanese: "ユーザー情報を更新しました。",
		language.English:  "Profile updated.",
	},
	MsgReadFailed: {
		language.Japanese: "ユーザー情報の取得に失敗しました。",
		language.English:  "Failed to load the profile.",
	},
	MsgUpdateFailed: {
		language.Japanese: "ユーザー情報の更新に失敗しました。",
		language.English:  "Failed to update the profile.",
	},
	MsgNotAuthenticated: {
		language.Japanese: "ログインしていません。",
		language.English:  "Not authenticated",
	},
	MsgSessionExpired: {
		language.Japanese: "セッションの有効期限が切れました。再度ログインしてください。",
		language.English:  "Your session has expired. Please sign in again.",
	},
	MsgLoggedOut: {
		language.Japanese: "ログアウトしました。",
		language.English:  "Logged out.",
	},
	MsgInternal: {
		language.Japanese: "サーバーエラーが発生しました。",
		language.English:  "Internal server error.",
	},
}

var supported = []language.Tag{language.Japanese, language.English}

var (
	messages = buildCatalog()
	matcher  = language.NewMatcher(supported)
)

func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.Japanese))
	for key, byLang := range translations {
		for tag, text := range byLang {
			if err := b.SetString(tag, string(key), text); err != nil {
				panic(err)
			}
		}
	}
	return b
}

// Printer returns a message printer for the best match of an
// Accept-Language header. Japanese is the default.
func Printer(acceptLanguage string) *message.Printer {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return message.NewPrinter(language.Japanese, message.Catalog(messages))
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		idx = 0
	}
	return message.NewPrinter(supported[idx], message.Catalog(messages))
}

// Localize renders key with p.
func Localize(p *message.Printer, key MessageKey) string {
	return p.Sprintf(string(key))
}
