package authapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jrsteele09/go-auth-client/internal/utils"
	"github.com/jrsteele09/go-auth-client/users"
)

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexSeconds accepts a number of seconds as a JSON number or numeric string.
type flexSeconds int64

func (f *flexSeconds) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*f = flexSeconds(v)
	return nil
}

// tokenPayload covers the snake_case (OAuth2 RFC 6749) and camelCase spellings.
type tokenPayload struct {
	AccessToken       string      `json:"access_token"`
	AccessTokenCamel  string      `json:"accessToken"`
	TokenType         string      `json:"token_type"`
	TokenTypeCamel    string      `json:"tokenType"`
	ExpiresIn         flexSeconds `json:"expires_in"`
	ExpiresInCamel    flexSeconds `json:"expiresIn"`
	RefreshToken      string      `json:"refresh_token"`
	RefreshTokenCamel string      `json:"refreshToken"`
}

func (t *tokenPayload) merge(into *Tokens) {
	if t == nil {
		return
	}
	pick := func(dst *string, values ...string) {
		if *dst != "" {
			return
		}
		for _, v := range values {
			if v != "" {
				*dst = v
				return
			}
		}
	}
	pick(&into.AccessToken, t.AccessToken, t.AccessTokenCamel)
	pick(&into.RefreshToken, t.RefreshToken, t.RefreshTokenCamel)
	pick(&into.TokenType, t.TokenType, t.TokenTypeCamel)
	if into.ExpiresIn == 0 {
		secs := t.ExpiresIn
		if secs == 0 {
			secs = t.ExpiresInCamel
		}
		into.ExpiresIn = time.Duration(secs) * time.Second
	}
}

// authPayload is the "user-ish payload plus token" returned by login, register and refresh.
type authPayload struct {
	tokenPayload
	Token  *tokenPayload `json:"token"`
	Tokens *tokenPayload `json:"tokens"`
	User   *userPayload  `json:"user"`
	// some backends put the user fields next to the token
	ID flexString `json:"id"`
}

func (p *authPayload) tokens() Tokens {
	var t Tokens
	p.Token.merge(&t)
	p.Tokens.merge(&t)
	p.tokenPayload.merge(&t)
	return t
}

func (p *authPayload) profile() *users.Profile {
	if p.User == nil {
		return nil
	}
	if prof := p.User.toProfile(); prof.ID != "" {
		return prof
	}
	return nil
}

func decodeAuthPayload(raw json.RawMessage) (*authPayload, error) {
	raw = unwrapData(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}
	var p authPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if p.User == nil && p.ID != "" {
		var u userPayload
		if err := json.Unmarshal(raw, &u); err == nil {
			p.User = &u
		}
	}
	return &p, nil
}

type userPayload struct {
	ID             flexString  `json:"id"`
	UserID         flexString  `json:"user_id"`
	Email          string      `json:"email"`
	FirstName      string      `json:"first_name"`
	FirstNameCamel string      `json:"firstName"`
	LastName       string      `json:"last_name"`
	LastNameCamel  string      `json:"lastName"`
	Role           rolePayload `json:"role"`
	IsActive       *bool       `json:"is_active"`
	IsActiveCamel  *bool       `json:"isActive"`
	CreatedAt      string      `json:"created_at"`
	CreatedAtCamel string      `json:"createdAt"`
	UpdatedAt      string      `json:"updated_at"`
	UpdatedAtCamel string      `json:"updatedAt"`
}

func (u *userPayload) toProfile() *users.Profile {
	id := string(u.ID)
	if id == "" {
		id = string(u.UserID)
	}
	active := true
	if u.IsActive != nil {
		active = utils.Value(u.IsActive)
	} else if u.IsActiveCamel != nil {
		active = utils.Value(u.IsActiveCamel)
	}
	return &users.Profile{
		ID:        id,
		Email:     u.Email,
		FirstName: utils.FirstNonEmpty(u.FirstName, u.FirstNameCamel),
		LastName:  utils.FirstNonEmpty(u.LastName, u.LastNameCamel),
		Role:      u.Role.toRole(),
		IsActive:  active,
		CreatedAt: parseTimestamp(utils.FirstNonEmpty(u.CreatedAt, u.CreatedAtCamel)),
		UpdatedAt: parseTimestamp(utils.FirstNonEmpty(u.UpdatedAt, u.UpdatedAtCamel)),
	}
}

// rolePayload accepts "admin" or {"id":..,"name":..,"permissions":[..]}.
type rolePayload struct {
	ID          flexString
	Name        string
	Permissions []permissionPayload
}

func (r *rolePayload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.Name)
	}
	var obj struct {
		ID          flexString          `json:"id"`
		Name        string              `json:"name"`
		Permissions []permissionPayload `json:"permissions"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID, r.Name, r.Permissions = obj.ID, obj.Name, obj.Permissions
	return nil
}

func (r rolePayload) toRole() users.Role {
	role := users.Role{ID: string(r.ID), Name: r.Name}
	for _, p := range r.Permissions {
		if p.ok {
			role.Permissions = append(role.Permissions, p.Permission)
		}
	}
	return role
}

// permissionPayload accepts "resource:action", {"resource":..,"action":..} or {"name":"resource:action"}.
type permissionPayload struct {
	users.Permission
	ok bool
}

func (p *permissionPayload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		p.Permission, p.ok = users.ParsePermission(s)
		return nil
	}
	var obj struct {
		Resource string `json:"resource"`
		Action   string `json:"action"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Resource != "" {
		action := obj.Action
		if action == "" {
			action = "*"
		}
		p.Permission, p.ok = users.Permission{Resource: obj.Resource, Action: action}, true
		return nil
	}
	p.Permission, p.ok = users.ParsePermission(obj.Name)
	return nil
}

// decodeProfile accepts the user at the top level, under "user", under "data", or both.
func decodeProfile(raw json.RawMessage) (*users.Profile, error) {
	raw = unwrapData(raw)
	var envelope struct {
		User json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(envelope.User) > 0 && string(envelope.User) != "null" {
		raw = envelope.User
	}

	var u userPayload
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	p := u.toProfile()
	if p.ID == "" {
		return nil, fmt.Errorf("%w: profile has no id", ErrMalformedResponse)
	}
	return p, nil
}

func unwrapData(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return raw
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return raw
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) > 0 && data[0] == '{' {
		return data
	}
	return raw
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
