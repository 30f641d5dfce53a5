package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kerbaras/avatars/pkg/auth"
	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/errs"
	"github.com/kerbaras/avatars/pkg/utils"
)

const DefaultBaseURL = "https://api.vrchat.cloud/api/1"

const (
	authCookie      = "auth"
	twoFactorCookie = "twoFactorAuth"
)

type currentUser struct {
	ID                    string   `json:"id"`
	DisplayName           string   `json:"displayName"`
	RequiresTwoFactorAuth []string `json:"requiresTwoFactorAuth"`
}

type unityPackage struct {
	Platform string `json:"platform"`
	AssetURL string `json:"assetUrl"`
}

type Avatar struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	AuthorID          string         `json:"authorId"`
	AuthorName        string         `json:"authorName"`
	ImageURL          string         `json:"imageUrl"`
	ThumbnailImageURL string         `json:"thumbnailImageUrl"`
	AssetURL          string         `json:"assetUrl"`
	ReleaseStatus     string         `json:"releaseStatus"`
	UpdatedAt         *time.Time     `json:"updated_at"`
	UnityPackages     []unityPackage `json:"unityPackages"`
}

// ResolveAssetURL picks the downloadable bundle: the standalonewindows
// package first, then any package, then the top-level asset URL.
func (a *Avatar) ResolveAssetURL() string {
	var found string
	for _, p := range a.UnityPackages {
		if p.Platform == "standalonewindows" && p.AssetURL != "" {
			found = p.AssetURL
			break
		}
	}
	if found == "" {
		for _, p := range a.UnityPackages {
			if p.AssetURL != "" {
				found = p.AssetURL
				break
			}
		}
	}
	if found == "" {
		found = a.AssetURL
	}
	if i := strings.Index(found, "/variant/security"); i >= 0 {
		found = found[:i]
	}
	return found
}

func (a *Avatar) ToItem(vis data.Visibility) data.ItemRecord {
	var platforms []string
	for _, p := range a.UnityPackages {
		if p.Platform != "" {
			platforms = append(platforms, p.Platform)
		}
	}
	return data.ItemRecord{
		ID:            a.ID,
		Name:          a.Name,
		AuthorID:      a.AuthorID,
		AuthorName:    a.AuthorName,
		Description:   a.Description,
		ThumbnailURL:  a.ThumbnailImageURL,
		ImageURL:      a.ImageURL,
		AssetURL:      a.ResolveAssetURL(),
		ReleaseStatus: a.ReleaseStatus,
		Platforms:     platforms,
		Visibility:    vis,
		UpdatedAt:     a.UpdatedAt,
	}
}

var unsafeName = regexp.MustCompile(`[\\/:*?"<>|]`)

// FileName returns the local file name for an avatar bundle.
func FileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "avatar"
	}
	return unsafeName.ReplaceAllString(name, "_") + ".vrca"
}

// VRChat implements Source and auth.Authenticator against the VRChat web API.
type VRChat struct {
	api *utils.API
}

func NewVRChat(baseURL string, opts ...utils.Option) *VRChat {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &VRChat{api: utils.NewAPI(baseURL, opts...)}
}

var (
	_ Source             = (*VRChat)(nil)
	_ auth.Authenticator = (*VRChat)(nil)
)

func cookies(token auth.Token) []*http.Cookie {
	cs := []*http.Cookie{{Name: authCookie, Value: token.Auth}}
	if token.TwoFactor != "" {
		cs = append(cs, &http.Cookie{Name: twoFactorCookie, Value: token.TwoFactor})
	}
	return cs
}

func readCookie(resp *http.Response, name string) (string, time.Time) {
	for _, c := range resp.Cookies() {
		if c.Name == name && c.Value != "" {
			return c.Value, c.Expires
		}
	}
	return "", time.Time{}
}

func methodsOf(raw []string) []auth.Method {
	methods := make([]auth.Method, 0, len(raw))
	for _, m := range raw {
		switch strings.ToLower(m) {
		case "totp":
			methods = append(methods, auth.MethodTOTP)
		case "otp":
			methods = append(methods, auth.MethodOTP)
		case "emailotp":
			methods = append(methods, auth.MethodEmail)
		}
	}
	return methods
}

func (v *VRChat) Login(ctx context.Context, username, password string) (auth.LoginResult, error) {
	const op = "vrchat.Login"

	var user currentUser
	resp, err := v.api.Do(ctx, op, utils.Request{Path: "/auth/user", Username: username, Password: password}, &user)
	if err != nil {
		if errs.Is(err, errs.NotAuthenticated) {
			return auth.LoginResult{}, errs.E(op, errs.InvalidCredentials, err)
		}
		return auth.LoginResult{}, err
	}

	value, expires := readCookie(resp, authCookie)
	if value == "" {
		return auth.LoginResult{}, errs.E(op, errs.Unexpected, errors.New("no auth cookie in login response"))
	}
	token := auth.Token{Auth: value, ExpiresAt: expires}

	if len(user.RequiresTwoFactorAuth) > 0 {
		methods := methodsOf(user.RequiresTwoFactorAuth)
		if len(methods) == 0 {
			return auth.LoginResult{}, errs.E(op, errs.Unexpected,
				fmt.Errorf("unsupported two-factor methods %v", user.RequiresTwoFactorAuth))
		}
		return auth.LoginResult{Token: token, Methods: methods}, nil
	}

	token.UserID = user.ID
	token.DisplayName = user.DisplayName
	return auth.LoginResult{Token: token}, nil
}

func (v *VRChat) VerifyTwoFactor(ctx context.Context, pending auth.Token, method auth.Method, code string) (auth.Token, error) {
	const op = "vrchat.VerifyTwoFactor"

	var endpoint string
	switch method {
	case auth.MethodTOTP:
		endpoint = "totp"
	case auth.MethodOTP:
		endpoint = "otp"
	case auth.MethodEmail:
		endpoint = "emailotp"
	default:
		return auth.Token{}, errs.E(op, errs.InvalidInput, fmt.Errorf("unknown method %q", method))
	}

	var result struct {
		Verified bool `json:"verified"`
	}
	resp, err := v.api.Do(ctx, op, utils.Request{
		Method:  http.MethodPost,
		Path:    "/auth/twofactorauth/" + endpoint + "/verify",
		Body:    map[string]string{"code": code},
		Cookies: cookies(pending),
	}, &result)
	switch {
	case errs.Is(err, errs.InvalidInput):
		return auth.Token{}, errs.E(op, errs.TwoFactorInvalid, err)
	case errs.Is(err, errs.NotAuthenticated):
		return auth.Token{}, errs.E(op, errs.TwoFactorExpired, err)
	case err != nil:
		return auth.Token{}, err
	case !result.Verified:
		return auth.Token{}, errs.E(op, errs.TwoFactorInvalid, nil)
	}

	token := pending
	token.TwoFactor, _ = readCookie(resp, twoFactorCookie)

	return v.Validate(ctx, token)
}

func (v *VRChat) Validate(ctx context.Context, token auth.Token) (auth.Token, error) {
	const op = "vrchat.Validate"

	var user currentUser
	if _, err := v.api.Do(ctx, op, utils.Request{Path: "/auth/user", Cookies: cookies(token)}, &user); err != nil {
		return auth.Token{}, err
	}
	if len(user.RequiresTwoFactorAuth) > 0 || user.ID == "" {
		return auth.Token{}, errs.E(op, errs.NotAuthenticated, errors.New("session is not fully authenticated"))
	}

	token.UserID = user.ID
	token.DisplayName = user.DisplayName
	return token, nil
}

func (v *VRChat) Logout(ctx context.Context, token auth.Token) error {
	_, err := v.api.Do(ctx, "vrchat.Logout", utils.Request{Method: http.MethodPut, Path: "/logout", Cookies: cookies(token)}, nil)
	return err
}

func (v *VRChat) ListItems(ctx context.Context, token auth.Token, filter data.Filter, offset, limit int) ([]data.ItemRecord, error) {
	const op = "vrchat.ListItems"

	path := "/avatars"
	params := url.Values{}
	params.Set("n", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	switch filter {
	case data.FilterOwned:
		params.Set("user", "me")
		params.Set("releaseStatus", "all")
		params.Set("sort", "updated")
		params.Set("order", "descending")
	case data.FilterPublic:
		params.Set("releaseStatus", "public")
		params.Set("sort", "updated")
		params.Set("order", "descending")
	case data.FilterFavorited:
		path = "/avatars/favorites"
	case data.FilterAll:
		params.Set("releaseStatus", "all")
	default:
		return nil, errs.E(op, errs.InvalidInput, fmt.Errorf("unknown filter %q", filter))
	}

	var avatars []Avatar
	if err := v.api.Get(ctx, op, path, params, cookies(token), &avatars); err != nil {
		return nil, err
	}

	vis := filter.Visibility()
	items := make([]data.ItemRecord, 0, len(avatars))
	for i := range avatars {
		items = append(items, avatars[i].ToItem(vis))
	}
	return items, nil
}

func (v *VRChat) GetItem(ctx context.Context, token auth.Token, id string) (data.ItemRecord, error) {
	const op = "vrchat.GetItem"

	if strings.TrimSpace(id) == "" {
		return data.ItemRecord{}, errs.E(op, errs.InvalidInput, errors.New("empty item id"))
	}

	var avatar Avatar
	if err := v.api.Get(ctx, op, "/avatars/"+url.PathEscape(id), nil, cookies(token), &avatar); err != nil {
		return data.ItemRecord{}, err
	}
	return avatar.ToItem(0), nil
}

var contentRange = regexp.MustCompile(`^bytes (\d+)-\d+/(\d+|\*)$`)

func (v *VRChat) Open(ctx context.Context, token *auth.Token, rawURL string, offset int64) (*Stream, error) {
	var cs []*http.Cookie
	if token != nil {
		cs = cookies(*token)
	}

	resp, err := v.api.Stream(ctx, "vrchat.Open", rawURL, offset, cs)
	if err != nil {
		return nil, err
	}

	stream := &Stream{Body: resp.Body, Total: -1}
	if resp.StatusCode == http.StatusPartialContent {
		stream.Offset = offset
		if m := contentRange.FindStringSubmatch(resp.Header.Get("Content-Range")); m != nil {
			stream.Offset, _ = strconv.ParseInt(m[1], 10, 64)
			if m[2] != "*" {
				stream.Total, _ = strconv.ParseInt(m[2], 10, 64)
			}
		}
		return stream, nil
	}

	if resp.ContentLength >= 0 {
		stream.Total = resp.ContentLength
	}
	return stream, nil
}
