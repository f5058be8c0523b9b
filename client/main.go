package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/mahaj/schoolchat/pkg/model"
)

const usage = `commands:
  /join <roomId>               enter a room
  /leave <roomId>              leave a room
  /typing [on|off]             typing indicator for the current room
  /dm <principalId> <ROLE>     set the direct message target
  /quit
anything else is sent to the direct message target`

type session struct {
	conn   *websocket.Conn
	api    string
	token  string
	room   string
	target string
	role   model.Role
}

func (s *session) sendEvent(typ, roomID string, isTyping bool) error {
	return s.conn.WriteJSON(map[string]any{"type": typ, "roomId": roomID, "isTyping": isTyping})
}

// sendDirect posts a message through the API; the gateway only carries
// room signals.
func (s *session) sendDirect(text string) error {
	if s.target == "" {
		return fmt.Errorf("no target, use /dm first")
	}
	body, _ := json.Marshal(map[string]string{
		"recipientId":   s.target,
		"recipientRole": string(s.role),
		"body":          text,
	})
	req, err := http.NewRequest(http.MethodPost, s.api+"/rooms/direct/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send failed: %s", strings.TrimSpace(string(msg)))
	}
	return nil
}

func (s *session) command(line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/join":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /join <roomId>")
		}
		s.room = fields[1]
		return s.sendEvent("joinRoom", s.room, false)
	case "/leave":
		room := s.room
		if len(fields) == 2 {
			room = fields[1]
		}
		if room == s.room {
			s.room = ""
		}
		return s.sendEvent("leaveRoom", room, false)
	case "/typing":
		return s.sendEvent("typing", s.room, len(fields) < 2 || fields[1] != "off")
	case "/dm":
		if len(fields) != 3 || !model.Role(strings.ToUpper(fields[2])).Valid() {
			return fmt.Errorf("usage: /dm <principalId> <STAFF|STUDENT|PARENT>")
		}
		s.target, s.role = fields[1], model.Role(strings.ToUpper(fields[2]))
		return nil
	case "/help":
		fmt.Println(usage)
		return nil
	}
	return fmt.Errorf("unknown command %s", fields[0])
}

func printEvent(ev model.Event) {
	switch ev.Type {
	case model.EventMessageAdded:
		if m := ev.Message; m != nil {
			if m.Subject != "" {
				fmt.Printf("\r[%s] %s: (%s) %s\n> ", m.RoomID, m.SenderID, m.Subject, m.Body)
			} else {
				fmt.Printf("\r[%s] %s: %s\n> ", m.RoomID, m.SenderID, m.Body)
			}
		}
	case model.EventUserTyping:
		if ev.IsTyping {
			fmt.Printf("\r[%s] %s is typing...\n> ", ev.RoomID, ev.PrincipalID)
		}
	case model.EventJoinedRoom, model.EventLeftRoom:
		fmt.Printf("\r[%s] %s %s\n> ", ev.RoomID, ev.PrincipalID, ev.Type)
	case model.EventReadReceipt:
		fmt.Printf("\r[%s] read by %s\n> ", ev.RoomID, ev.PrincipalID)
	case model.EventMessageDeleted:
		fmt.Printf("\r[%s] a message was deleted\n> ", ev.RoomID)
	case model.EventError:
		fmt.Printf("\rerror: %s\n> ", ev.Error)
	}
}

func main() {
	gatewayAddr := pflag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := pflag.String("api", "http://localhost:8081", "api service address")
	token := pflag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token (see scripts/mint_token)")
	pflag.Parse()

	if *token == "" {
		log.Fatal("a token is required")
	}

	u := url.URL{Scheme: "ws", Host: *gatewayAddr, Path: "/ws"}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+*token)

	log.Printf("connecting to %s", u.String())
	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	s := &session{conn: c, api: *apiAddr, token: *token}
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, frame, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			// Several events may share a frame, one per line.
			for _, line := range bytes.Split(frame, []byte{'\n'}) {
				var ev model.Event
				if err := json.Unmarshal(line, &ev); err != nil {
					log.Printf("received raw: %s", line)
					continue
				}
				printEvent(ev)
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Println(usage)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			switch {
			case text == "":
			case text == "/quit":
				interrupt <- os.Interrupt
				return
			case strings.HasPrefix(text, "/"):
				if err := s.command(text); err != nil {
					fmt.Println(err)
				}
			default:
				if err := s.sendDirect(text); err != nil {
					fmt.Println(err)
				}
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("interrupt")

			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
