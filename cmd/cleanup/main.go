package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/database"
	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/pkg/artifact"
	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/sandbox"
)

var (
	dryRun         = flag.Bool("dry-run", true, "Dry run mode, don't actually delete files")
	sandboxExpire  = flag.Int("sandbox-expire", 24, "Hours to keep orphan sandbox workspaces")
	cleanSandboxes = flag.Bool("clean-sandboxes", true, "Clean orphan sandbox workspaces")
	cleanArtifacts = flag.Bool("clean-artifacts", true, "Clean local artifacts of deleted jobs")
)

func main() {
	flag.Parse()

	log.Println("🧹 Starting cleanup task...")
	log.Printf("Mode: dry-run=%v", *dryRun)

	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 连接数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	jobRepo := repository.NewJobRepository(db)

	gw, err := sandbox.NewLocal(&cfg.Sandbox)
	if err != nil {
		log.Fatalf("Failed to open sandbox root: %v", err)
	}

	artifactDir := artifact.LocalRoot(cfg)
	var deletedSize int64
	deletedFiles := 0

	// 1. 清理无主的沙箱工作区
	if *cleanSandboxes {
		log.Printf("\n📦 Cleaning orphan sandboxes (idle more than %d hours)...", *sandboxExpire)
		size, count := cleanOrphanSandboxes(gw, cfg.Sandbox.Root, jobRepo, *sandboxExpire, *dryRun)
		deletedSize += size
		deletedFiles += count
	}

	// 2. 清理已删除任务的本地产物
	if *cleanArtifacts {
		log.Printf("\n📊 Cleaning artifacts of deleted jobs...")
		size, count := cleanDeletedArtifacts(jobRepo, artifactDir, *dryRun)
		deletedSize += size
		deletedFiles += count
	}

	// 3. 统计当前占用
	log.Println("\n📈 Scanning current disk usage...")
	sandboxSize := getDirSize(cfg.Sandbox.Root)
	artifactSize := getDirSize(artifactDir)

	// 输出统计
	log.Println("\n" + strings.Repeat("=", 60))
	log.Println("📊 Cleanup Summary")
	log.Println(strings.Repeat("=", 60))
	log.Printf("Sandbox size: %s", formatSize(sandboxSize))
	log.Printf("Artifact size: %s", formatSize(artifactSize))
	log.Printf("Deleted entries: %d", deletedFiles)
	log.Printf("Freed space: %s", formatSize(deletedSize))
	if *dryRun {
		log.Println("\n⚠️  DRY RUN MODE - No files were actually deleted")
		log.Println("   Run with -dry-run=false to actually delete files")
	} else {
		log.Println("\n✅ Cleanup completed!")
	}
	log.Println(strings.Repeat("=", 60))
}

// cleanOrphanSandboxes 删除任务不存在或已销毁、且空闲超时的工作区
func cleanOrphanSandboxes(gw *sandbox.Local, root string, jobRepo *repository.JobRepository, expireHours int, dryRun bool) (int64, int) {
	expireTime := time.Now().Add(-time.Duration(expireHours) * time.Hour)
	var totalSize int64
	var count int

	names, err := gw.Names()
	if err != nil {
		log.Printf("Failed to list sandboxes: %v", err)
		return 0, 0
	}

	for _, name := range names {
		jobID := strings.TrimPrefix(name, "job-")
		job, err := jobRepo.GetByIDUnscoped(jobID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("  ⚠️  Failed to query job %s: %v", jobID, err)
			continue
		}
		if job != nil && job.Status != model.JobStatusDestroyed && !job.DeletedAt.Valid {
			continue
		}

		updated, err := gw.UpdatedAt(name)
		if err != nil || !updated.Before(expireTime) {
			continue
		}

		size := getDirSize(filepath.Join(root, name))
		totalSize += size
		log.Printf("  - %s (%s, idle %s)", name, formatSize(size), time.Since(updated).Round(time.Hour))

		if !dryRun {
			if err := gw.Delete(context.Background(), name); err != nil {
				log.Printf("    ❌ Failed to delete: %v", err)
				continue
			}
			if job != nil {
				if err := jobRepo.MarkDestroyed(job.ID); err != nil {
					log.Printf("    ⚠️  Failed to mark job destroyed: %v", err)
				}
			}
		}
		count++
	}

	log.Printf("Found %d orphan sandboxes (total: %s)", count, formatSize(totalSize))
	return totalSize, count
}

// cleanDeletedArtifacts 删除任务不存在或已软删除的本地产物目录
func cleanDeletedArtifacts(jobRepo *repository.JobRepository, artifactDir string, dryRun bool) (int64, int) {
	jobsDir := filepath.Join(artifactDir, "jobs")
	var totalSize int64
	var count int

	entries, err := os.ReadDir(jobsDir)
	if os.IsNotExist(err) {
		return 0, 0
	}
	if err != nil {
		log.Printf("Failed to read artifact dir: %v", err)
		return 0, 0
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := jobRepo.GetByIDUnscoped(entry.Name())
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("  ⚠️  Failed to query job %s: %v", entry.Name(), err)
			continue
		}
		if job != nil && !job.DeletedAt.Valid {
			continue
		}

		dirPath := filepath.Join(jobsDir, entry.Name())
		size := getDirSize(dirPath)
		totalSize += size
		log.Printf("  - jobs/%s (%s)", entry.Name(), formatSize(size))

		if !dryRun {
			if err := os.RemoveAll(dirPath); err != nil {
				log.Printf("    ❌ Failed to delete: %v", err)
				continue
			}
		}
		count++
	}

	log.Printf("Found %d artifact directories to clean (total: %s)", count, formatSize(totalSize))
	return totalSize, count
}

// getDirSize 计算目录大小
func getDirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// formatSize 格式化文件大小
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
