package identity

import "strings"

// Env is the read-only ambient probe. UserAgent reports false when there is
// no navigator context at all.
type Env interface {
	UserAgent() (string, bool)
	Online() bool
}

type uaEnv struct {
	ua string
}

func (e uaEnv) UserAgent() (string, bool) { return e.ua, true }
func (e uaEnv) Online() bool              { return true }

// UserAgentEnv returns an online Env reporting ua.
func UserAgentEnv(ua string) Env {
	return uaEnv{ua: ua}
}

type noEnv struct{}

func (noEnv) UserAgent() (string, bool) { return "", false }
func (noEnv) Online() bool              { return false }

// NoEnv is an Env without a navigator context.
var NoEnv Env = noEnv{}

var mobileMarkers = []string{
	"android",
	"iphone",
	"ipad",
	"ipod",
	"blackberry",
	"webos",
	"iemobile",
	"opera mini",
}

// DetectSource returns SourceMobile when the user agent contains any known
// mobile platform marker, case-insensitively, and SourceWeb otherwise,
// including when env is nil or has no navigator.
func DetectSource(env Env) Source {
	if env == nil {
		return SourceWeb
	}
	ua, ok := env.UserAgent()
	if !ok {
		return SourceWeb
	}
	ua = strings.ToLower(ua)
	for _, m := range mobileMarkers {
		if strings.Contains(ua, m) {
			return SourceMobile
		}
	}
	return SourceWeb
}
