package mocks

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getWithToken(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFakeMailProvider_TokenAndInbox(t *testing.T) {
	f := NewFakeMailProvider()
	defer f.Close()
	f.AddMailbox("a@duck.example", "pw")

	resp := postJSON(t, f.URL+"/token", map[string]string{"address": "a@duck.example", "password": "nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, f.URL+"/token", map[string]string{"address": "a@duck.example", "password": "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	require.Equal(t, "tok-a@duck.example", tok.Token)
	require.Equal(t, 1, f.Logins())

	f.Deliver("a@duck.example", FakeMessage{ID: "old", Text: "hello", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	f.SendCodeOnPoll("a@duck.example", "AB12CD")

	resp = getWithToken(t, f.URL+"/messages", tok.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Members []struct {
			ID string `json:"id"`
		} `json:"hydra:member"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Members, 2)
	require.Equal(t, "old", list.Members[1].ID)

	resp = getWithToken(t, f.URL+"/messages/"+list.Members[0].ID, tok.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg struct {
		Text string   `json:"text"`
		HTML []string `json:"html"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	require.Contains(t, msg.Text, "AB12CD")

	// The code is delivered once.
	resp = getWithToken(t, f.URL+"/messages", tok.Token)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Members, 2)
	require.Equal(t, 2, f.Listings())

	resp = getWithToken(t, f.URL+"/messages", "tok-unknown@duck.example")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFakeMailProvider_CreateAccount(t *testing.T) {
	f := NewFakeMailProvider()
	defer f.Close()

	resp := postJSON(t, f.URL+"/accounts", map[string]string{"address": "new@duck.example", "password": "pw"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = postJSON(t, f.URL+"/accounts", map[string]string{"address": "new@duck.example", "password": "pw"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestFakeGateway(t *testing.T) {
	g := NewFakeGateway("secret")
	defer g.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	put := func() int {
		req, err := http.NewRequest(http.MethodPut, g.URL+"/admin/accounts-config", strings.NewReader(`[]`))
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusUnauthorized, put())

	resp, err := client.PostForm(g.URL+"/login", url.Values{"admin_key": {"secret"}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, http.StatusOK, put())
	require.Equal(t, 1, g.Logins())
	require.Equal(t, 1, g.Reloads())
	require.Equal(t, []byte(`[]`), g.LastConfig())
}

func TestMockTelegramBot(t *testing.T) {
	bot := NewMockTelegramBot()
	bot.AddError(errors.New("boom"))

	require.Error(t, bot.SendMessage(42, "first", "HTML"))
	require.NoError(t, bot.SendMessage(42, "second", "HTML"))
	require.Equal(t, 1, bot.GetSentCount())

	msgs := bot.GetSentMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, "second", msgs[0].Text)
	require.Equal(t, int64(42), msgs[0].ChatID)

	bot.ClearSentMessages()
	require.Zero(t, bot.GetSentCount())
}
