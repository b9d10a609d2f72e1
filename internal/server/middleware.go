package server

import (
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/p2pex/common/errors"
)

const accountIDKey = "accountID"

// authMiddleware resolves the caller's account from an HS256 token carried
// in the token cookie or an Authorization bearer header. The subject claim
// is the account id.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" && s.cfg.TokenCookie != "" {
			raw, _ = c.Cookie(s.cfg.TokenCookie)
		}
		if raw == "" {
			s.writeProblem(c, errors.NewUnauthorizedError("missing token", c.Request.URL.Path))
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			s.logger.Debug("Rejected token", zap.Error(err))
			s.writeProblem(c, errors.NewUnauthorizedError("invalid token", c.Request.URL.Path))
			return
		}

		accountID, err := uuid.Parse(claims.Subject)
		if err != nil {
			s.writeProblem(c, errors.NewUnauthorizedError("token subject is not an account id", c.Request.URL.Path))
			return
		}

		c.Set(accountIDKey, accountID)
		c.Next()
	}
}

func bearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func accountID(c *gin.Context) uuid.UUID {
	return c.MustGet(accountIDKey).(uuid.UUID)
}

var registerOnce sync.Once

// registerValidators teaches gin's validator the tx_hash tag and makes field
// errors report JSON names.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("tx_hash", func(fl validator.FieldLevel) bool {
			hash := fl.Field().String()
			if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
				return false
			}
			for _, r := range hash[2:] {
				if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
					return false
				}
			}
			return true
		})
	})
}

// writeError renders err as problem details.
func (s *Server) writeError(c *gin.Context, err error) {
	problem := errors.ToProblem(err, c.Request.URL.Path)
	if problem.Status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	s.writeProblem(c, problem)
}

func (s *Server) writeProblem(c *gin.Context, problem *errors.ProblemDetails) {
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problem.Status, problem)
}

// writeBindError reports a request body or path that failed to bind.
func (s *Server) writeBindError(c *gin.Context, err error) {
	problem := errors.NewValidationError("invalid request", c.Request.URL.Path)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			problem.AddFieldError(fe.Field(), fe.Error(), fe.Tag())
		}
	} else {
		problem.Detail = err.Error()
	}
	s.writeProblem(c, problem)
}

func (s *Server) pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		s.writeError(c, errors.Validation("%s must be a uuid", name))
		return uuid.Nil, false
	}
	return id, true
}
