package ownership

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/qs3c/codeatlas/internal/model"
)

const (
	shareWeight  = 0.6
	recentWeight = 0.4
)

// Contributor 仓库累计贡献
type Contributor struct {
	Login         string
	Type          string
	Contributions int
}

// Commit 近期提交
type Commit struct {
	Login string
	Name  string
	Email string
	Type  string
	Date  time.Time
}

// IsBot 机器人账号不参与排名
func IsBot(login, typ string) bool {
	return strings.EqualFold(typ, "Bot") || strings.HasSuffix(strings.ToLower(login), "[bot]")
}

type candidate struct {
	info        model.OwnerInfo
	fileTouches int
}

func identity(login, name string) string {
	if login != "" {
		return strings.ToLower(login)
	}
	return "name:" + strings.ToLower(name)
}

// Score 置信度 = 0.6 × 归一化提交占比 + 0.4 × 归一化近期活跃度
func Score(contributors []Contributor, recent []Commit, fileTouches map[string]int, recentDays, limit int) []model.OwnerInfo {
	byID := make(map[string]*candidate)
	total := 0

	for _, c := range contributors {
		if IsBot(c.Login, c.Type) || c.Contributions <= 0 {
			continue
		}
		id := identity(c.Login, "")
		byID[id] = &candidate{info: model.OwnerInfo{
			Name:         c.Login,
			Login:        c.Login,
			TotalCommits: c.Contributions,
		}}
		total += c.Contributions
	}

	for _, cm := range recent {
		if IsBot(cm.Login, cm.Type) {
			continue
		}
		id := identity(cm.Login, cm.Name)
		cand, ok := byID[id]
		if !ok {
			cand = &candidate{info: model.OwnerInfo{Name: cm.Name, Login: cm.Login}}
			byID[id] = cand
		}
		cand.info.RecentCommits++
		if cm.Name != "" {
			cand.info.Name = cm.Name
		}
		if cand.info.Email == "" && cm.Email != "" && !strings.HasSuffix(cm.Email, "noreply.github.com") {
			cand.info.Email = cm.Email
		}
		if cand.info.LastActive == nil || cm.Date.After(*cand.info.LastActive) {
			d := cm.Date
			cand.info.LastActive = &d
		}
	}

	for id, n := range fileTouches {
		if cand, ok := byID[strings.ToLower(id)]; ok {
			cand.fileTouches = n
		}
	}

	if len(byID) == 0 {
		return []model.OwnerInfo{}
	}

	maxShare, maxRecent := 0.0, 0
	for _, cand := range byID {
		if total > 0 {
			maxShare = math.Max(maxShare, float64(cand.info.TotalCommits)/float64(total))
		}
		if cand.info.RecentCommits > maxRecent {
			maxRecent = cand.info.RecentCommits
		}
	}

	list := make([]*candidate, 0, len(byID))
	for _, cand := range byID {
		var shareNorm, recentNorm float64
		var reasons []string

		if total > 0 && cand.info.TotalCommits > 0 {
			share := float64(cand.info.TotalCommits) / float64(total)
			if maxShare > 0 {
				shareNorm = share / maxShare
			}
			reasons = append(reasons, fmt.Sprintf("%d commits (%.0f%% of total)", cand.info.TotalCommits, share*100))
		}
		if cand.info.RecentCommits > 0 && maxRecent > 0 {
			recentNorm = float64(cand.info.RecentCommits) / float64(maxRecent)
			reasons = append(reasons, fmt.Sprintf("%d commits in the last %d days", cand.info.RecentCommits, recentDays))
		}
		if cand.fileTouches > 0 {
			reasons = append(reasons, fmt.Sprintf("recently changed %d files shown in the diagram", cand.fileTouches))
		}

		cand.info.Confidence = clamp(shareWeight*shareNorm + recentWeight*recentNorm)
		cand.info.Confidence = math.Round(cand.info.Confidence*1000) / 1000
		if reasons == nil {
			reasons = []string{}
		}
		cand.info.Reasons = reasons
		list = append(list, cand)
	}

	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.info.Confidence != b.info.Confidence {
			return a.info.Confidence > b.info.Confidence
		}
		if a.fileTouches != b.fileTouches {
			return a.fileTouches > b.fileTouches
		}
		if a.info.TotalCommits != b.info.TotalCommits {
			return a.info.TotalCommits > b.info.TotalCommits
		}
		return a.info.Name < b.info.Name
	})

	if limit <= 0 {
		limit = 10
	}
	if len(list) > limit {
		list = list[:limit]
	}

	owners := make([]model.OwnerInfo, len(list))
	for i, cand := range list {
		owners[i] = cand.info
	}
	return owners
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
