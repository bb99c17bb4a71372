package broker

import (
	"bytes"

	mqtt "github.com/mochi-mqtt/server/v2"
	mochiauth "github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/wpamesh/meshtopo/pkg/auth"
	"github.com/wpamesh/meshtopo/pkg/config"
)

// meshFilter is the topic tree clients may touch. Everything outside it is
// denied regardless of credentials.
const meshFilter mochiauth.RString = `msh/#`

// credentialsHookOptions configures the broker's credential hook.
type credentialsHookOptions struct {
	Users          []config.BrokerUser
	AllowAnonymous bool
}

// credentialsHook authenticates clients against the static user list from
// configuration and scopes every client to the mesh topic tree.
type credentialsHook struct {
	mqtt.HookBase
	config *credentialsHookOptions
	users  map[string]config.BrokerUser
}

func (h *credentialsHook) ID() string {
	return "meshtopo-credentials"
}

func (h *credentialsHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

func (h *credentialsHook) Init(opts any) error {
	options, ok := opts.(*credentialsHookOptions)
	if !ok || options == nil {
		return mqtt.ErrInvalidConfigType
	}
	h.config = options
	h.users = make(map[string]config.BrokerUser, len(options.Users))
	for _, u := range options.Users {
		h.users[u.Username] = u
	}
	h.Log.Info("initialised", "users", len(h.users), "allow_anonymous", options.AllowAnonymous)
	return nil
}

// OnConnectAuthenticate admits configured users with matching credentials,
// and anonymous clients when the configuration allows them.
func (h *credentialsHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	username := string(pk.Connect.Username)
	password := string(pk.Connect.Password)

	if user, ok := h.users[username]; ok && credentialsMatch(user, password) {
		h.Log.Info("client authenticated",
			"username", username,
			"client", cl.ID,
			"remote", cl.Net.Remote)
		return true
	}
	if h.config.AllowAnonymous && username == "" {
		h.Log.Info("anonymous client accepted", "client", cl.ID, "remote", cl.Net.Remote)
		return true
	}
	h.Log.Warn("client failed authentication",
		"username", username,
		"client", cl.ID,
		"remote", cl.Net.Remote)
	return false
}

// credentialsMatch accepts either a salted hash or a plaintext password
// from configuration, preferring the hash when both are present.
func credentialsMatch(user config.BrokerUser, password string) bool {
	if user.PasswordHash != "" {
		return auth.Verify(password, user.Salt, user.PasswordHash)
	}
	return user.Password != "" && auth.SecureCompare(password, user.Password)
}

// OnACLCheck confines every client to the mesh topic tree. Will topics pass
// so a disconnecting radio's last-will publish does not error out.
func (h *credentialsHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if topic == "will" || topic == "/will" {
		return true
	}
	if meshFilter.FilterMatches(topic) {
		return true
	}
	h.Log.Debug("topic outside the mesh tree denied",
		"client", cl.ID,
		"topic", topic,
		"write", write)
	return false
}
