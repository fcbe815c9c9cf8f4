package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const dingTalkHost = "oapi.dingtalk.com"

// signDingTalk computes the robot security signature: the millisecond
// timestamp and the secret joined by a newline, HMAC-SHA256 keyed with
// the secret, then base64 and URL-escaped.
func signDingTalk(secret string, ts int64) string {
	stamp := strconv.FormatInt(ts, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(stamp + "\n" + secret))
	return url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

func dingTalkRequest(st Settings, m Message, now time.Time) (string, []byte, error) {
	if _, err := checkWebhookHost(st.DingTalkWebhook, dingTalkHost); err != nil {
		return "", nil, err
	}

	endpoint := st.DingTalkWebhook
	if st.DingTalkSecret != "" {
		ts := now.UnixMilli()
		endpoint = fmt.Sprintf("%s&timestamp=%d&sign=%s", endpoint, ts, signDingTalk(st.DingTalkSecret, ts))
	}

	payload, err := json.Marshal(map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": m.Title,
			"text":  m.Body,
		},
	})
	if err != nil {
		return "", nil, err
	}
	return endpoint, payload, nil
}
