package notify

import (
	"encoding/json"
	"fmt"
)

const weComHost = "qyapi.weixin.qq.com"

func weComRequest(st Settings, m Message) (string, []byte, error) {
	if _, err := checkWebhookHost(st.WeComWebhook, weComHost); err != nil {
		return "", nil, err
	}

	// WeCom markdown has no separate title field; fold it into the body.
	payload, err := json.Marshal(map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"content": fmt.Sprintf("### %s\n%s", m.Title, m.Body),
		},
	})
	if err != nil {
		return "", nil, err
	}
	return st.WeComWebhook, payload, nil
}
