// Package api реализует read-only HTTP query-поверхность над производным
// состоянием детектора шаринга (C6), токен-гейтед.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sharewatch/internal/classifier"
	"sharewatch/internal/config"
	"sharewatch/internal/models"
	"sharewatch/internal/roster"
	"sharewatch/internal/sinks/enrich"
	"sharewatch/internal/sinks/persist"
	"sharewatch/internal/tracker"
)

// Nodes — подмножество ingest.Server, нужное query API.
type Nodes interface {
	ConnectedNodes() []string
	ConnectionCount() int
}

// Server — HTTP-сервер query API поверх снимков C2/C3/C4/C7.
type Server struct {
	router     *gin.Engine
	cfg        *config.Config
	tracker    *tracker.Tracker
	classifier *classifier.Classifier
	roster     *roster.Cache
	nodes      Nodes
	persist    persist.Persist
	enrich     enrich.Enrich
	startedAt  time.Time
}

// New собирает gin-роутер с bearer-token middleware и всеми эндпойнтами §4.6.
func New(
	cfg *config.Config,
	t *tracker.Tracker,
	c *classifier.Classifier,
	r *roster.Cache,
	nodes Nodes,
	p persist.Persist,
	e enrich.Enrich,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:     router,
		cfg:        cfg,
		tracker:    t,
		classifier: c,
		roster:     r,
		nodes:      nodes,
		persist:    p,
		enrich:     e,
		startedAt:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// Router возвращает сконфигурированный gin.Engine для http.Server.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", s.handleMetrics)

	api := s.router.Group("/api")
	api.Use(s.deadlineMiddleware(), s.authMiddleware())
	api.GET("/stats", s.handleStats)
	api.GET("/users", s.handleUsers)
	api.GET("/violators", s.handleViolators)
	api.GET("/banlist", s.handleBanlist)
	api.POST("/banlist/clear", s.handleBanlistClear)
	api.GET("/user/:email", s.handleUserDetail)
	api.GET("/nodes", s.handleNodes)
	api.GET("/shared_ips", s.handleSharedIPs)
}

// deadlineMiddleware привязывает каждый запрос к HTTPRequestTimeout (§5 Cancellation).
func (s *Server) deadlineMiddleware() gin.HandlerFunc {
	timeout := s.cfg.HTTPRequestTimeout
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// authMiddleware требует Authorization: Bearer <API_TOKEN> на всех /api маршрутах.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		token := ""
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			token = strings.TrimSpace(authHeader[7:])
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// handleMetrics отдаёт Prometheus exposition format, если METRICS_ENABLED=true
// (по умолчанию), иначе возвращает 404 без обращения к promhttp.Handler().
func (s *Server) handleMetrics(c *gin.Context) {
	if !s.cfg.MetricsEnabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics endpoint is disabled; set METRICS_ENABLED=true"})
		return
	}
	gin.WrapH(promhttp.Handler())(c)
}

func (s *Server) handleStats(c *gin.Context) {
	stats := models.Stats{
		UsersTracked:   s.tracker.UsersTracked(),
		RequestsSeen:   s.tracker.RequestsSeen(),
		ViolatorsCount: s.violatorsCount(),
		ConnectedNodes: s.nodes.ConnectionCount(),
		PanelLoaded:    s.roster.Stats().Loaded,
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) violatorsCount() int {
	count := 0
	for _, email := range s.tracker.KnownEmails() {
		switch s.tracker.Stage(email) {
		case models.StageViolator, models.StageBanlisted:
			count++
		}
	}
	return count
}

func (s *Server) handleUsers(c *gin.Context) {
	now := time.Now()
	emails := s.tracker.KnownEmails()
	summaries := make([]models.UserSummary, 0, len(emails))
	for _, email := range emails {
		limit := 0
		if entry, ok := s.roster.Get(email); ok {
			limit = entry.DeviceLimit
		}
		recent := s.tracker.RecentIPs(email, s.cfg.RetentionSeconds, now)
		summaries = append(summaries, models.UserSummary{
			Email:         email,
			DeviceLimit:   limit,
			RecentIPCount: len(recent),
			Stage:         s.tracker.Stage(email),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Email < summaries[j].Email })
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleViolators(c *gin.Context) {
	now := time.Now()
	var out []models.ViolatorSummary
	for _, email := range s.tracker.KnownEmails() {
		stage := s.tracker.Stage(email)
		if stage != models.StageViolator && stage != models.StageBanlisted {
			continue
		}
		limit := 0
		if entry, ok := s.roster.Get(email); ok {
			limit = entry.DeviceLimit
		}
		detail, _ := s.tracker.Detail(email)
		observed := len(s.tracker.RecentIPs(email, s.cfg.ConcurrentWindow, now))
		summary := models.ViolatorSummary{
			Email:          email,
			Stage:          stage,
			ObservedIPs:    observed,
			DeviceLimit:    limit,
			ViolationIPs:   detail.ViolationIPs,
			ViolationNodes: detail.ViolationNodes,
		}
		if detail.ViolatorSince != nil {
			summary.ViolatorSince = detail.ViolatorSince.UTC().Format(time.RFC3339)
		}
		if detail.BanlistedSince != nil {
			summary.BanlistSince = detail.BanlistedSince.UTC().Format(time.RFC3339)
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleBanlist(c *gin.Context) {
	records, err := s.persist.LoadAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Email < records[j].Email })
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleBanlistClear(c *gin.Context) {
	cleared := s.classifier.ClearBanlist(time.Now())
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) handleUserDetail(c *gin.Context) {
	email := strings.TrimSpace(c.Param("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	detail, ok := s.tracker.Detail(email)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown email"})
		return
	}
	if entry, known := s.roster.Get(email); known {
		detail.DeviceLimit = entry.DeviceLimit
	}
	s.enrichObservations(c.Request.Context(), detail.Observations)
	c.JSON(http.StatusOK, detail)
}

// enrichMaxConcurrency ограничивает число одновременных ISP-lookup на один запрос
// /api/user/{email}, чтобы пользователь с большим числом наблюдений не открывал
// неограниченное число исходящих соединений разом.
const enrichMaxConcurrency = 8

// enrichObservations обогащает наблюдения ISP параллельно, разделяя ctx запроса
// (уже ограниченный deadlineMiddleware) между всеми lookup — отмена клиентом или
// истечение HTTPRequestTimeout останавливает все незавершённые lookups сразу,
// а не только следующий в очереди (§4.7 Enrich: "non-blocking").
func (s *Server) enrichObservations(ctx context.Context, observations []models.IPObservation) {
	sem := make(chan struct{}, enrichMaxConcurrency)
	var wg sync.WaitGroup
	for i := range observations {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if isp, found := s.enrich.LookupISP(ctx, observations[i].IP); found {
				observations[i].ISP = isp
			}
		}(i)
	}
	wg.Wait()
}

func (s *Server) handleNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.nodes.ConnectedNodes()})
}

func (s *Server) handleSharedIPs(c *gin.Context) {
	shared := s.tracker.SharedIPs(time.Now())
	c.JSON(http.StatusOK, shared)
}
