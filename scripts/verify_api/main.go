package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"github.com/mahaj/schoolchat/pkg/auth"
	"github.com/mahaj/schoolchat/pkg/config"
	"github.com/mahaj/schoolchat/pkg/logger"
	"github.com/mahaj/schoolchat/pkg/model"
)

type client struct {
	addr  string
	token string
}

func (c client) do(method, path string, body any) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.addr+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

// Sends a direct message against a running API, then reads it back as the
// recipient and clears the unread count.
func main() {
	apiAddr := pflag.String("api", "http://localhost:8081", "api service address")
	tenant := pflag.String("tenant", "demo", "tenant id")
	sender := pflag.String("sender", "u-teacher", "staff principal id")
	recipient := pflag.String("recipient", "u-student", "student principal id")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := logger.New("production")
		l.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.Env)
	signer := auth.NewSigner(cfg.JWTSecret)

	mint := func(id string, role model.Role) client {
		token, err := signer.GenerateToken(model.Principal{ID: id, TenantID: *tenant, Role: role}, time.Hour)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to sign token")
		}
		return client{addr: *apiAddr, token: token}
	}
	staff := mint(*sender, model.RoleStaff)
	student := mint(*recipient, model.RoleStudent)

	status, body, err := staff.do(http.MethodPost, "/rooms/direct/messages", map[string]string{
		"recipientId":   *recipient,
		"recipientRole": string(model.RoleStudent),
		"subject":       "Connectivity check",
		"body":          fmt.Sprintf("sent at %s", time.Now().Format(time.RFC3339)),
	})
	if err != nil || status != http.StatusCreated {
		log.Fatal().Err(err).Int("status", status).Bytes("body", body).Msg("send failed")
	}
	var msg model.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Fatal().Err(err).Msg("bad send response")
	}
	log.Info().Int64("id", msg.ID).Str("room", msg.RoomID).Msg("message sent")

	steps := []struct {
		name   string
		method string
		path   string
	}{
		{"unread", http.MethodGet, "/unread"},
		{"history", http.MethodGet, "/rooms/" + msg.RoomID + "/messages?limit=5"},
		{"read", http.MethodPost, "/rooms/" + msg.RoomID + "/read"},
		{"unread after read", http.MethodGet, "/unread"},
	}
	for _, s := range steps {
		status, body, err := student.do(s.method, s.path, nil)
		if err != nil || status != http.StatusOK {
			log.Fatal().Err(err).Int("status", status).Str("step", s.name).Msg("request failed")
		}
		log.Info().Str("step", s.name).RawJSON("body", body).Msg("ok")
	}
}
