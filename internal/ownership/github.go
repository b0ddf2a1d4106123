package ownership

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/sandbox"
)

const (
	perPage      = 100
	maxHintFiles = 5
)

// GitHub 通过 GitHub REST API 统计贡献者
type GitHub struct {
	cfg     *config.OwnershipConfig
	baseURL string
	timeout time.Duration
	now     func() time.Time
}

func NewGitHub(cfg *config.OwnershipConfig) *GitHub {
	base := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if base == "" {
		base = "https://api.github.com"
	}
	return &GitHub{
		cfg:     cfg,
		baseURL: base,
		timeout: 30 * time.Second,
		now:     time.Now,
	}
}

// client token 在调用时读取，缺失时使用匿名客户端（限流更严格）
func (g *GitHub) client(ctx context.Context) *http.Client {
	token := g.cfg.OwnershipToken()
	if token == "" {
		return &http.Client{Timeout: g.timeout}
	}
	c := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	c.Timeout = g.timeout
	return c
}

type contributorResponse struct {
	Login         string `json:"login"`
	Type          string `json:"type"`
	Contributions int    `json:"contributions"`
}

type commitResponse struct {
	Commit struct {
		Author struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author *struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"author"`
}

func (g *GitHub) get(ctx context.Context, client *http.Client, path string, query url.Values, out interface{}) error {
	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("github request failed: %w", err)
	}
	defer resp.Body.Close()

	// 空仓库
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode github response: %w", err)
	}
	return nil
}

func (g *GitHub) commits(ctx context.Context, client *http.Client, owner, repo string, since time.Time, path string) ([]Commit, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("per_page", fmt.Sprint(perPage))
	if path != "" {
		q.Set("path", path)
	}

	var raw []commitResponse
	if err := g.get(ctx, client, fmt.Sprintf("/repos/%s/%s/commits", owner, repo), q, &raw); err != nil {
		return nil, err
	}

	commits := make([]Commit, 0, len(raw))
	for _, r := range raw {
		c := Commit{
			Name:  r.Commit.Author.Name,
			Email: r.Commit.Author.Email,
			Date:  r.Commit.Author.Date,
		}
		if r.Author != nil {
			c.Login = r.Author.Login
			c.Type = r.Author.Type
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// hostedOnGitHub 仅 github.com 上的仓库能用 REST API 查询
func hostedOnGitHub(repoURL string) bool {
	u, err := url.Parse(repoURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "github.com" || host == "www.github.com"
}

// Resolve 其他托管平台没有可用的数据源，直接返回空结果
func (g *GitHub) Resolve(ctx context.Context, repoURL string, hints Hints) ([]model.OwnerInfo, error) {
	owner, repo, err := sandbox.ParseOwnerRepo(repoURL)
	if err != nil {
		return nil, err
	}
	if !hostedOnGitHub(repoURL) {
		log.Printf("Ownership: %s is not hosted on github.com, returning no owners", repoURL)
		return []model.OwnerInfo{}, nil
	}

	client := g.client(ctx)

	var contributors []contributorResponse
	q := url.Values{}
	q.Set("per_page", fmt.Sprint(perPage))
	if err := g.get(ctx, client, fmt.Sprintf("/repos/%s/%s/contributors", owner, repo), q, &contributors); err != nil {
		return nil, err
	}

	recentDays := g.cfg.RecentDays
	if recentDays <= 0 {
		recentDays = 90
	}
	since := g.now().AddDate(0, 0, -recentDays)

	recent, err := g.commits(ctx, client, owner, repo, since, "")
	if err != nil {
		return nil, err
	}

	// 架构图涉及文件的近期修改者，失败不影响结果
	touches := make(map[string]int)
	files := hints.Files
	if len(files) > maxHintFiles {
		files = files[:maxHintFiles]
	}
	for _, f := range files {
		fileCommits, err := g.commits(ctx, client, owner, repo, since, f)
		if err != nil {
			log.Printf("Ownership: skip file hint %s: %v", f, err)
			continue
		}
		seen := make(map[string]bool)
		for _, c := range fileCommits {
			if c.Login == "" || seen[c.Login] {
				continue
			}
			seen[c.Login] = true
			touches[c.Login]++
		}
	}

	list := make([]Contributor, 0, len(contributors))
	for _, c := range contributors {
		list = append(list, Contributor{Login: c.Login, Type: c.Type, Contributions: c.Contributions})
	}

	return Score(list, recent, touches, recentDays, g.cfg.MaxOwners), nil
}
