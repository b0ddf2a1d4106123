package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/pkg/jwt"
)

var userID = flag.Int64("user", 0, "Owner user id to issue a token for")

// 为上游网关或运维签发任务归属令牌，输出到 stdout
func main() {
	flag.Parse()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	token, err := jwt.NewManager(&cfg.JWT).Issue(*userID)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	log.Printf("Issued token for user %d, valid for %d hours", *userID, cfg.JWT.ExpireHours)
	fmt.Println(token)
}
