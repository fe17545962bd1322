// Package message delivers operator notifications, preferring the
// message-pusher webhook and falling back to SMTP email.
package message

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/logger"
)

func shouldAuth() bool {
	return config.SMTPAccount != "" || config.SMTPToken != ""
}

// SendEmail delivers an HTML notification over SMTP. Port 465 uses
// implicit TLS; other ports upgrade via STARTTLS when the server
// advertises it.
func SendEmail(subject string, receiver string, content string) error {
	if receiver == "" {
		return errors.New("receiver is empty")
	}
	if config.SMTPServer == "" {
		return errors.New("SMTP server is not configured")
	}
	if config.SMTPFrom == "" { // for compatibility
		config.SMTPFrom = config.SMTPAccount
	}

	encodedSubject := fmt.Sprintf("=?UTF-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(subject)))

	domain := "localhost"
	if parts := strings.Split(config.SMTPFrom, "@"); len(parts) > 1 && parts[1] != "" {
		domain = parts[1]
	}

	// Message-ID per RFC 5322 so the mail is not classified as spam.
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return errors.Wrap(err, "generate Message-ID")
	}
	messageId := fmt.Sprintf("<%x@%s>", buf, domain)

	mail := fmt.Appendf(nil, "To: %s\r\n"+
		"From: %s<%s>\r\n"+
		"Subject: %s\r\n"+
		"Message-ID: %s\r\n"+
		"Date: %s\r\n"+
		"Content-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n",
		receiver, config.SystemName, config.SMTPFrom, encodedSubject, messageId,
		time.Now().Format(time.RFC1123Z), content)

	var receivers []string
	for email := range strings.SplitSeq(receiver, ";") {
		if email = strings.TrimSpace(email); email != "" {
			receivers = append(receivers, email)
		}
	}
	if len(receivers) == 0 {
		return errors.New("no valid recipient email addresses")
	}

	addr := net.JoinHostPort(config.SMTPServer, fmt.Sprintf("%d", config.SMTPPort))
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	tlsConfig := &tls.Config{
		InsecureSkipVerify: !config.ForceEmailTLSVerify,
		ServerName:         config.SMTPServer,
	}

	var (
		conn net.Conn
		err  error
	)
	if config.SMTPPort == 465 {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return errors.Wrap(err, "connect to SMTP server")
	}

	client, err := smtp.NewClient(conn, config.SMTPServer)
	if err != nil {
		return errors.Wrap(err, "create SMTP client")
	}
	defer client.Close()

	if config.SMTPPort != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err = client.StartTLS(tlsConfig); err != nil {
				return errors.Wrap(err, "start STARTTLS")
			}
		} else {
			logger.Logger.Warn("SMTP server does not advertise STARTTLS; proceeding without TLS")
		}
	}

	if shouldAuth() {
		auth := smtp.PlainAuth("", config.SMTPAccount, config.SMTPToken, config.SMTPServer)
		if err = client.Auth(auth); err != nil {
			return errors.Wrap(err, "SMTP authentication failed")
		}
	}

	if err = client.Mail(config.SMTPFrom); err != nil {
		return errors.Wrap(err, "set MAIL FROM")
	}
	for _, rcpt := range receivers {
		if err = client.Rcpt(rcpt); err != nil {
			return errors.Wrapf(err, "add recipient %s", rcpt)
		}
	}

	w, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "open message data writer")
	}
	if _, err = w.Write(mail); err != nil {
		return errors.Wrap(err, "write email content")
	}
	if err = w.Close(); err != nil {
		return errors.Wrap(err, "close message data writer")
	}

	_ = client.Quit()
	return nil
}
