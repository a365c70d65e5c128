package security

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes はプロフィールに登録できるURLのスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は公開URLとして受け付けないネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ValidatePublicURL はURLが公開ホストを指すhttp(s)のURLかをDNS解決なしで検証する。
// ウェブサイト欄とアバター欄の保存前チェックに使う。
func ValidatePublicURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, allowedSchemes)
	}
	if parsed.User != nil {
		return fmt.Errorf("credentials in URL are not allowed")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// NewSafeClient はプライベートIP・ループバック・メタデータIPへの接続を
// DNS解決後にも拒否するHTTPクライアントをsafeurlで生成する。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ErrNotImage はURLが画像を返さないことを表す。
var ErrNotImage = errors.New("URL does not point to an image")

// AvatarProbe はアバターURLが実際に画像を返すかを確認する。
type AvatarProbe struct {
	client *http.Client
}

// NewAvatarProbe はAvatarProbeを生成する。本番ではNewSafeClientのクライアントを渡す。
func NewAvatarProbe(client *http.Client) *AvatarProbe {
	return &AvatarProbe{client: client}
}

// Check はURLにHEADリクエストを送り、2xxかつContent-Typeがimage/*であることを確認する。
// HEADを受け付けないサーバーにはGETで再試行する（本文は読まない）。
func (p *AvatarProbe) Check(ctx context.Context, rawURL string) error {
	resp, err := p.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp, err = p.do(ctx, http.MethodGet, rawURL)
		if err != nil {
			return err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrNotImage, resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return fmt.Errorf("%w: content type %q", ErrNotImage, resp.Header.Get("Content-Type"))
	}
	return nil
}

func (p *AvatarProbe) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch avatar: %w", err)
	}
	resp.Body.Close()
	return resp, nil
}
