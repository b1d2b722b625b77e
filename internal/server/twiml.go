package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// replyTwiML answers the webhook in the messaging provider's reply format.
// Delivery failures are reported in the message body, so the HTTP status is
// always 200 once the request itself was acceptable.
func replyTwiML(c *gin.Context, message string) {
	c.XML(http.StatusOK, twimlResponse{Message: message})
}

// validSignature checks the provider's request signature: HMAC-SHA1 over the
// full request URL concatenated with the sorted form parameters.
func validSignature(r *http.Request, authToken string) bool {
	if err := r.ParseForm(); err != nil {
		return false
	}
	keys := make([]string, 0, len(r.PostForm))
	for key := range r.PostForm {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	payload := requestURL(r)
	for _, key := range keys {
		payload += key + r.PostForm.Get(key)
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	given := r.Header.Get("X-Twilio-Signature")
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
			scheme = forwarded
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
