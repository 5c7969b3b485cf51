package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"driftchat/backend/internal/auth"
	"driftchat/backend/internal/config"
	"driftchat/backend/internal/logger"
	"driftchat/backend/internal/models"
	"driftchat/backend/internal/storage"
	"driftchat/backend/internal/syncclient"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const usage = `Usage: admin <command> [args]

Commands:
  expire                              move every elapsed active match to expired
  matches <user_id>                   list a user's matches
  friends <user_id>                   list a user's friends
  create-user <username> [age] [gender]
  token <user_id>                     issue an API token
  link-code <user_id>                 issue a Telegram /start code
  watch <user_id> [ws_url]            print realtime events the user receives`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.Log.File = "" // CLI пише лише в консоль
	log := logger.New(cfg)
	defer log.Sync()
	tokens := auth.NewTokenService(cfg.Auth)

	// watch говорить з сервером, а не з базою
	if os.Args[1] == "watch" {
		requireArgs(os.Args[2:], 1, "admin watch <user_id> [ws_url]")
		if err := watch(cfg, tokens, log, os.Args[2:]); err != nil {
			log.Fatal("watch failed", zap.Error(err))
		}
		return
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect database", zap.Error(err))
	}
	s := storage.NewStorageService(db, nil, log) // Redis не потрібен для адмін-команд

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := os.Args[2:]
	switch os.Args[1] {
	case "expire":
		// CLI не має хабу: учасники побачать статус expired при наступному читанні.
		expired, err := s.ExpireMatches(ctx, "", time.Now())
		if err != nil {
			log.Fatal("expire failed", zap.Error(err))
		}
		fmt.Printf("%d matches expired.\n", len(expired))

	case "matches":
		requireArgs(args, 1, "admin matches <user_id>")
		if err := printMatches(ctx, s, args[0]); err != nil {
			log.Fatal("listing matches failed", zap.Error(err))
		}

	case "friends":
		requireArgs(args, 1, "admin friends <user_id>")
		if err := printFriends(ctx, s, args[0]); err != nil {
			log.Fatal("listing friends failed", zap.Error(err))
		}

	case "create-user":
		requireArgs(args, 1, "admin create-user <username> [age] [gender]")
		user, err := createUser(ctx, s, args)
		if err != nil {
			log.Fatal("create user failed", zap.Error(err))
		}
		fmt.Printf("User %s created with id %s.\n", user.Username, user.ID)

	case "token":
		requireArgs(args, 1, "admin token <user_id>")
		if _, err := s.GetUserByID(ctx, args[0]); err != nil {
			log.Fatal("unknown user", zap.Error(err))
		}
		token, err := tokens.IssueToken(args[0])
		if err != nil {
			log.Fatal("issue token failed", zap.Error(err))
		}
		fmt.Println(token)

	case "link-code":
		requireArgs(args, 1, "admin link-code <user_id>")
		fmt.Println(tokens.LinkCode(args[0]))

	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

// watch connects as userID through the sync coordinator until interrupted.
func watch(cfg *config.Config, tokens *auth.TokenService, log *zap.Logger, args []string) error {
	userID := args[0]
	url := "ws://localhost" + cfg.Server.Addr + "/ws"
	if len(args) > 1 {
		url = args[1]
	}
	token, err := tokens.IssueToken(userID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := syncclient.NewCoordinator(userID, syncclient.WebSocketDialer(url, token), log)
	c.AckTimeout = cfg.Hub.AckTimeout
	c.OnEvent = func(env models.Envelope) {
		fmt.Printf("%s\t%s\t%s\n", time.Now().Format(time.TimeOnly), env.Type, env.Data)
	}
	go c.Run(ctx)

	if err := c.WaitConnected(ctx); err != nil {
		return err
	}
	fmt.Printf("Watching %s on %s, Ctrl+C to stop.\n", userID, url)
	<-ctx.Done()
	return nil
}

func requireArgs(args []string, n int, hint string) {
	if len(args) < n {
		fmt.Println("Usage:", hint)
		os.Exit(1)
	}
}

func printMatches(ctx context.Context, s storage.Storage, userID string) error {
	matches, err := s.ListMatchesForUser(ctx, userID,
		models.MatchActive, models.MatchPendingFriendship, models.MatchFriends, models.MatchExpired, models.MatchRejected)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOTHER\tSTATUS\tMESSAGES\tSCORE\tEXPIRES")
	for _, m := range matches {
		other, _ := m.OtherUser(userID)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			m.ID, other, m.Status, m.MessageCount, m.CompatibilityScore, m.ExpiresAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printFriends(ctx context.Context, s storage.Storage, userID string) error {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	friends, err := s.GetUsersByIDs(ctx, user.Friends)
	if err != nil {
		return err
	}
	for _, f := range friends {
		fmt.Printf("%s\t%s\n", f.ID, f.Username)
	}
	return nil
}

func createUser(ctx context.Context, s storage.Storage, args []string) (*models.User, error) {
	user := &models.User{Username: strings.TrimSpace(args[0]), SearchGlobally: true}
	if len(args) > 1 {
		age, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("invalid age %q", args[1])
		}
		user.Age = age
	}
	if len(args) > 2 {
		user.Gender = args[2]
	}
	if err := s.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
