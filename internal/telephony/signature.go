package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"lead-qualifier/pkg/logger"
)

// Signature computes the X-Twilio-Signature value for a request to fullURL with form
// parameters params.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// RequireSignature rejects webhook requests not signed with authToken. publicBaseURL
// must be the scheme and host Twilio was given; proxies rewrite the Host header.
func RequireSignature(authToken, publicBaseURL string) gin.HandlerFunc {
	base := strings.TrimRight(publicBaseURL, "/")
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		want := Signature(authToken, base+c.Request.URL.RequestURI(), c.Request.PostForm)
		got := c.GetHeader("X-Twilio-Signature")
		if got == "" || !hmac.Equal([]byte(got), []byte(want)) {
			logger.FromGin(c).Warn("twilio signature mismatch", "path", c.Request.URL.Path)
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
