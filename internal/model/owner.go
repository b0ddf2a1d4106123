package model

import "time"

// OwnerInfo 代码归属人
type OwnerInfo struct {
	Name          string     `json:"name"`
	Login         string     `json:"login,omitempty"`
	Email         string     `json:"email,omitempty"`
	Confidence    float64    `json:"confidence"`
	Reasons       []string   `json:"reasons"`
	LastActive    *time.Time `json:"last_active,omitempty"`
	TotalCommits  int        `json:"total_commits"`
	RecentCommits int        `json:"recent_commits"`
}

// DiagramData react-flow 形式的架构图
type DiagramData struct {
	Patterns []string     `json:"patterns"`
	Graph    DiagramGraph `json:"graph"`
}

type DiagramGraph struct {
	Nodes []DiagramNode `json:"nodes"`
	Edges []DiagramEdge `json:"edges"`
}

type DiagramNode struct {
	ID    string         `json:"id"`
	Type  string         `json:"type,omitempty"`
	Label string         `json:"label"`
	Files []string       `json:"files,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type DiagramEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// FilePaths 图中所有节点引用的文件，ownership 阶段据此收窄提交范围
func (d *DiagramData) FilePaths() []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, n := range d.Graph.Nodes {
		for _, f := range n.Files {
			if _, ok := seen[f]; ok || f == "" {
				continue
			}
			seen[f] = struct{}{}
			paths = append(paths, f)
		}
	}
	return paths
}
