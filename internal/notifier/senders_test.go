package notifier

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/types"
)

func captureServer(t *testing.T, handle func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle(r)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSlackPayload(t *testing.T) {
	var got map[string]interface{}
	srv := captureServer(t, func(r *http.Request) { got = decodeJSON(t, r) })

	msg := Format(criticalAlert())
	require.NoError(t, NewSlackSender("slack", srv.URL, srv.Client()).Send(context.Background(), msg))
	assert.Contains(t, got["text"], "CRITICAL: system.cpu.usage")
}

func TestWebhookPayloadAndHeaders(t *testing.T) {
	var got map[string]interface{}
	var auth string
	srv := captureServer(t, func(r *http.Request) {
		auth = r.Header.Get("Authorization")
		got = decodeJSON(t, r)
	})

	s := NewWebhookSender("hook", srv.URL, map[string]string{"Authorization": "Bearer x"}, srv.Client())
	require.NoError(t, s.Send(context.Background(), Format(criticalAlert())))
	assert.Equal(t, "Bearer x", auth)
	assert.Equal(t, "critical", got["severity"])
	assert.Equal(t, "system.cpu.usage:threshold", got["alert_id"])
	assert.Equal(t, false, got["resolved"])
}

func TestPagerDutyTriggerAndResolve(t *testing.T) {
	var events []map[string]interface{}
	srv := captureServer(t, func(r *http.Request) { events = append(events, decodeJSON(t, r)) })
	s := NewPagerDutySender("pager", srv.URL, "rk", srv.Client())

	n := criticalAlert()
	require.NoError(t, s.Send(context.Background(), Format(n)))
	n.Kind = KindResolution
	require.NoError(t, s.Send(context.Background(), Format(n)))

	require.Len(t, events, 2)
	assert.Equal(t, "trigger", events[0]["event_action"])
	assert.Equal(t, "rk", events[0]["routing_key"])
	assert.Equal(t, "system.cpu.usage:threshold", events[0]["dedup_key"])
	payload := events[0]["payload"].(map[string]interface{})
	assert.Equal(t, "critical", payload["severity"])

	assert.Equal(t, "resolve", events[1]["event_action"])
	assert.Equal(t, events[0]["dedup_key"], events[1]["dedup_key"])
	assert.Nil(t, events[1]["payload"])
}

func TestTeamsMessageCard(t *testing.T) {
	var got map[string]interface{}
	srv := captureServer(t, func(r *http.Request) { got = decodeJSON(t, r) })
	require.NoError(t, NewTeamsSender("teams", srv.URL, srv.Client()).Send(context.Background(), Format(criticalAlert())))
	assert.Equal(t, "MessageCard", got["@type"])
	assert.Equal(t, "D40000", got["themeColor"])
}

func TestTwilioRequestPerRecipient(t *testing.T) {
	type call struct{ path, to, body, user string }
	var calls []call
	srv := captureServer(t, func(r *http.Request) {
		require.NoError(t, r.ParseForm())
		user, _, _ := r.BasicAuth()
		calls = append(calls, call{r.URL.Path, r.PostForm.Get("To"), r.PostForm.Get("Body"), user})
	})

	s := NewSMSSender("sms", srv.URL, "AC123", "token", "+15550000", []string{"+15550001"}, srv.Client())
	n := criticalAlert()
	n.Recipients = []string{"+15550002", "+15550001"}
	require.NoError(t, s.Send(context.Background(), Format(n)))

	require.Len(t, calls, 2)
	assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", calls[0].path)
	assert.Equal(t, "+15550001", calls[0].to)
	assert.Equal(t, "+15550002", calls[1].to)
	assert.Equal(t, "AC123", calls[0].user)
	assert.Contains(t, calls[0].body, "system.cpu.usage")
}

func TestTwilioPartialFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("To") == "+2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewSMSSender("sms", srv.URL, "AC1", "t", "+0", []string{"+1", "+2"}, srv.Client())
	err := s.Send(context.Background(), Format(criticalAlert()))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "+2")
}

func TestEmailMessage(t *testing.T) {
	s := NewEmailSender("email", "smtp.example.com", 587, "", "", "alertd@example.com", false, []string{"ops@example.com"})
	s.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	raw := string(s.buildMessage(Format(criticalAlert()), []string{"ops@example.com", "cto@example.com"}))
	assert.Contains(t, raw, "From: alertd@example.com\r\n")
	assert.Contains(t, raw, "To: ops@example.com, cto@example.com\r\n")
	assert.Contains(t, raw, "Subject: =?utf-8?q?")
	assert.Contains(t, raw, "X-Alertd-Alert: system.cpu.usage:threshold\r\n")
	assert.Contains(t, raw, "\r\n\r\n")
	assert.NotContains(t, strings.ReplaceAll(raw, "\r\n", ""), "\n")
}

func TestEmailConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	host, port := splitHostPort(t, addr)
	s := NewEmailSender("email", host, port, "", "", "alertd@example.com", false, []string{"ops@example.com"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Send(ctx, Format(criticalAlert()))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestNewSenderValidatesConfiguration(t *testing.T) {
	_, err := NewSender("hook", config.ChannelConfig{Type: config.ChannelWebhook}, http.DefaultClient)
	assert.Error(t, err)

	_, err = NewSender("pd", config.ChannelConfig{Type: config.ChannelPagerDuty, PagerDuty: config.PagerDutyConfig{IntegrationKeyEnv: "ALERTD_TEST_PD_KEY"}}, http.DefaultClient)
	assert.Error(t, err)
	t.Setenv("ALERTD_TEST_PD_KEY", "key")
	s, err := NewSender("pd", config.ChannelConfig{Type: config.ChannelPagerDuty, PagerDuty: config.PagerDutyConfig{IntegrationKeyEnv: "ALERTD_TEST_PD_KEY"}}, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, DefaultPagerDutyURL, s.(*PagerDutySender).url)

	_, err = NewSender("mail", config.ChannelConfig{Type: config.ChannelEmail}, http.DefaultClient)
	assert.Error(t, err)
	_, err = NewSender("x", config.ChannelConfig{Type: "pigeon"}, http.DefaultClient)
	assert.Error(t, err)
}

func TestFormatKinds(t *testing.T) {
	n := criticalAlert()
	n.Alert.OccurrenceCount = 3
	n.Kind = KindRepeat
	assert.Contains(t, Format(n).Title, "REPEAT (3x)")

	n.Kind = KindResolution
	msg := Format(n)
	assert.True(t, msg.Resolved)
	assert.Contains(t, msg.Title, "RESOLVED")
	assert.NotContains(t, msg.Body, "Escalation step")

	group := &types.CorrelationGroup{ID: "g-1", RuleName: "db-outage"}
	inc := Notification{
		Kind:  KindIncident,
		Alert: n.Alert,
		Group: group,
		Step:  1,
		Members: []types.Alert{
			{ID: "a:threshold", Severity: types.SeverityCritical},
			{ID: "b:threshold", Severity: types.SeverityWarning},
		},
	}
	msg = Format(inc)
	assert.Equal(t, "g-1", msg.GroupID)
	assert.Contains(t, msg.Title, "INCIDENT db-outage: 2 related alerts")
	assert.Contains(t, msg.Body, "- a:threshold [critical]")
	assert.Contains(t, msg.Body, "Escalation step: 2")
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
