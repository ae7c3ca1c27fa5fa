package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"tw_autotrade/logging"
	"tw_autotrade/middleware"
	"tw_autotrade/models"
)

// SessionCookie holds the admin session token.
const SessionCookie = "admin_session"

// AuthController handles admin authentication
type AuthController struct {
	db         *gorm.DB
	sessionTTL time.Duration
	secure     bool
	limiter    *middleware.RateLimiter
	csrf       *middleware.CSRFStore
	logger     zerolog.Logger
}

// NewAuthController creates a new auth controller. secure marks the cookie
// HTTPS-only.
func NewAuthController(db *gorm.DB, sessionTTL time.Duration, secure bool, limiter *middleware.RateLimiter, csrf *middleware.CSRFStore) *AuthController {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &AuthController{
		db:         db,
		sessionTTL: sessionTTL,
		secure:     secure,
		limiter:    limiter,
		csrf:       csrf,
		logger:     logging.WithComponent("admin.auth"),
	}
}

// LoginPage shows the login page
func (ac *AuthController) LoginPage(c *gin.Context) {
	if _, err := ac.sessionFromCookie(c); err == nil {
		c.Redirect(http.StatusFound, "/admin")
		return
	}
	ac.renderLogin(c, http.StatusOK, c.Query("error"))
}

func (ac *AuthController) renderLogin(c *gin.Context, status int, msg string) {
	c.HTML(status, "login.html", gin.H{
		"error":      msg,
		"csrf_token": middleware.SetCSRFToken(c, ac.csrf),
	})
}

// Login handles the login form submission
func (ac *AuthController) Login(c *gin.Context) {
	username := c.PostForm("username")
	password := c.PostForm("password")
	ip := c.ClientIP()

	if username == "" || password == "" {
		ac.renderLogin(c, http.StatusBadRequest, "Username and password are required")
		return
	}

	var admin models.AdminUser
	if err := ac.db.Where("username = ? AND is_active = ?", username, true).First(&admin).Error; err != nil || !admin.CheckPassword(password) {
		ac.limiter.RecordAttempt(ip, false)
		ac.logger.Warn().Str("username", username).Str("ip", ip).Msg("Admin login failed")
		ac.renderLogin(c, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := middleware.RandomToken()
	if err != nil {
		ac.renderLogin(c, http.StatusInternalServerError, "Failed to create session")
		return
	}
	session := models.AdminSession{
		AdminUserID: admin.ID,
		Token:       token,
		IPAddress:   ip,
		UserAgent:   c.Request.UserAgent(),
		ExpiresAt:   time.Now().Add(ac.sessionTTL),
	}
	if err := ac.db.Create(&session).Error; err != nil {
		ac.logger.Error().Err(err).Msg("Failed to store admin session")
		ac.renderLogin(c, http.StatusInternalServerError, "Failed to create session")
		return
	}

	ac.limiter.RecordAttempt(ip, true)
	ac.db.Model(&admin).Update("last_login_at", time.Now())

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, int(ac.sessionTTL.Seconds()), "/", "", ac.secure, true)
	ac.logger.Info().Str("username", username).Str("ip", ip).Msg("Admin logged in")
	c.Redirect(http.StatusFound, "/admin")
}

// Logout handles logout
func (ac *AuthController) Logout(c *gin.Context) {
	if token, err := c.Cookie(SessionCookie); err == nil && token != "" {
		ac.db.Where("token = ?", token).Delete(&models.AdminSession{})
	}
	c.SetCookie(SessionCookie, "", -1, "/", "", ac.secure, true)
	c.Redirect(http.StatusFound, "/admin/login")
}

// AuthMiddleware redirects requests without a valid session to the login page.
func (ac *AuthController) AuthMiddleware() gin.HandlerFunc {
	return ac.requireSession(func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/admin/login")
		c.Abort()
	})
}

// RequireSession is AuthMiddleware for JSON endpoints.
func (ac *AuthController) RequireSession() gin.HandlerFunc {
	return ac.requireSession(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Admin session required",
		})
	})
}

func (ac *AuthController) requireSession(deny gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := ac.sessionFromCookie(c)
		if err != nil {
			deny(c)
			return
		}
		c.Set("admin_user", session.AdminUser)
		c.Set("admin_session", session)
		c.Next()
	}
}

func (ac *AuthController) sessionFromCookie(c *gin.Context) (*models.AdminSession, error) {
	token, err := c.Cookie(SessionCookie)
	if err != nil {
		return nil, err
	}

	var session models.AdminSession
	if err := ac.db.Preload("AdminUser").Where("token = ?", token).First(&session).Error; err != nil {
		return nil, err
	}
	if session.ExpiredAt(time.Now()) || !session.AdminUser.IsActive {
		ac.db.Delete(&session)
		return nil, gorm.ErrRecordNotFound
	}
	return &session, nil
}
