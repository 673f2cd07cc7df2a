package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Scope cookies. The device cookie outlives the browser session and scopes
// durable identity; the tab cookie has no expiry and scopes the session.
const (
	DeviceCookie = "cl_device"
	TabCookie    = "cl_tab"

	deviceCookieAge = 365 * 24 * time.Hour
)

const (
	ctxDeviceID = "device_id"
	ctxTabID    = "tab_id"
	ctxNewTab   = "new_tab"
)

// CookieOptions defines how scope cookies are issued.
type CookieOptions struct {
	Domain string
	Secure bool
}

// scope reads the device and tab cookies, issuing fresh ones when missing,
// and stores both ids on the gin context.
func scope(opts CookieOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		device, _ := c.Cookie(DeviceCookie)
		if device == "" {
			device = uuid.NewString()
			setCookie(c.Writer, opts, DeviceCookie, device, deviceCookieAge)
		}

		tab, _ := c.Cookie(TabCookie)
		if tab == "" {
			tab = uuid.NewString()
			setCookie(c.Writer, opts, TabCookie, tab, 0)
			c.Set(ctxNewTab, true)
		}

		c.Set(ctxDeviceID, device)
		c.Set(ctxTabID, tab)
		c.Next()
	}
}

// setCookie issues a scope cookie; maxAge 0 makes it a session cookie.
func setCookie(w http.ResponseWriter, opts CookieOptions, name, value string, maxAge time.Duration) {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   opts.Domain,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		ck.MaxAge = int(maxAge.Seconds())
		ck.Expires = time.Now().Add(maxAge)
	}
	http.SetCookie(w, ck)
}
