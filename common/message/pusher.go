package message

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/Laisky/errors/v2"

	"github.com/fluxgate/fluxgate/common/config"
)

type pusherRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	URL         string `json:"url"`
	Channel     string `json:"channel"`
	Token       string `json:"token"`
}

type pusherResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SendMessage posts a notification to the configured message-pusher
// endpoint.
func SendMessage(title string, description string, content string) error {
	if config.MessagePusherAddress == "" {
		return errors.New("message pusher address is not set")
	}
	data, err := json.Marshal(pusherRequest{
		Title:       title,
		Description: description,
		Content:     content,
		Token:       config.MessagePusherToken,
	})
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	resp, err := http.Post(config.MessagePusherAddress, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var res pusherResponse
	if err = json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return errors.Wrap(err, "decode response")
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	return nil
}

// Notify prefers the pusher and falls back to email to the root user.
func Notify(subject string, content string) error {
	if config.MessagePusherAddress != "" {
		if err := SendMessage(subject, content, content); err == nil {
			return nil
		}
	}
	if config.RootUserEmail == "" || config.SMTPServer == "" {
		return errors.New("no notification channel configured")
	}
	return SendEmail(subject, config.RootUserEmail, content)
}
