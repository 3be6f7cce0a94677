// feedwatch signs in against a classroom server, keeps the course windows of that user live over the
// snapshot stream and prints a window every time it changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/feed"
	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/remote"
	"github.com/noah-isme/classroom-sync/internal/repository"
	"github.com/noah-isme/classroom-sync/internal/service"
	"github.com/noah-isme/classroom-sync/internal/view"
	"github.com/noah-isme/classroom-sync/pkg/logger"
)

func main() {
	var (
		baseURL  string
		email    string
		password string
		viewName string
		query    string
		join     string
		pageSize int
		logLevel string
	)

	flag.StringVar(&baseURL, "base", "http://localhost:8080/api/v1", "API base URL")
	flag.StringVar(&email, "email", os.Getenv("FEEDWATCH_EMAIL"), "Account email")
	flag.StringVar(&password, "password", os.Getenv("FEEDWATCH_PASSWORD"), "Account password")
	flag.StringVar(&viewName, "view", "my", "Course window to print: my, available or all")
	flag.StringVar(&query, "q", "", "Search applied to every window")
	flag.StringVar(&join, "join", "", "Course ID to join once the windows are live")
	flag.IntVar(&pageSize, "page-size", 10, "Window page size")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level")
	flag.Parse()

	logr := logger.NewConsole(logLevel)
	defer logr.Sync() //nolint:errcheck

	watched, err := service.ParseCourseView(viewName)
	if err != nil {
		log.Fatalf("invalid view: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auth, err := remote.Login(ctx, baseURL, email, password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	session := service.Session{UID: auth.User.ID, Role: auth.User.Role, Name: auth.User.DisplayName, Email: auth.User.Email}
	fmt.Printf("signed in as %s (%s)\n", session.Email, session.Role)

	client := remote.New(remote.Config{BaseURL: baseURL, Token: auth.AccessToken, Logger: logr.Named("remote")})
	stream := feed.NewWSClient(feed.WSClientConfig{
		URL:       streamURL(baseURL),
		Token:     auth.AccessToken,
		Reconnect: true,
		Logger:    logr.Named("feed"),
	})

	snapshots := service.NewSnapshotCache(repository.NewMemoryCacheRepository(), nil, service.SnapshotCacheConfig{TTL: time.Hour}, logr.Named("cache"))
	snapshots.Start(ctx)
	defer snapshots.Stop()

	var out sync.Mutex
	courses := service.NewCourseService(session, service.CourseServiceDeps{
		Feed:      stream,
		Remote:    client,
		Documents: client,
		Cache:     snapshots,
		Logger:    logr.Named("sync"),
		OnChange: func(name service.CourseView, page view.Page[models.Course]) {
			if name != watched {
				return
			}
			out.Lock()
			defer out.Unlock()
			printPage(page)
		},
	}, service.CourseServiceConfig{PageSize: pageSize})
	if err := courses.Start(ctx); err != nil {
		log.Fatalf("subscribe failed: %v", err)
	}
	defer courses.Close()

	if query != "" {
		courses.SetQuery(query)
	}
	if join != "" {
		if err := courses.Join(ctx, join); err != nil {
			logr.Warn("join failed", zap.String("course_id", join), zap.Error(err))
		}
	}

	<-ctx.Done()
	fmt.Println("bye")
}

func streamURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + "/stream"
}

func printPage(page view.Page[models.Course]) {
	fmt.Printf("\n[%s] %s  %d of %d", time.Now().Format("15:04:05"), page.Name, len(page.Items), page.Total)
	if page.Query != "" {
		fmt.Printf("  q=%q", page.Query)
	}
	if page.Pending > 0 {
		fmt.Printf("  pending=%d", page.Pending)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tTEACHER\tSTUDENTS\tUPDATED")
	for _, c := range page.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Title, c.TeacherName, c.StudentCount(), time.UnixMilli(c.UpdatedAt).Format("2006-01-02 15:04"))
	}
	if page.HasMore {
		fmt.Fprintln(w, "…\t\t\t\t")
	}
	_ = w.Flush()
}
