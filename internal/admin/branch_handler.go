package admin

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/audit"
	"retail-hub/internal/auth"
	"retail-hub/internal/httpx"
	"retail-hub/internal/models"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type BranchResponse struct {
	ID            uint                 `json:"id"`
	Code          string               `json:"code"`
	Name          string               `json:"name"`
	Address       string               `json:"address"`
	Phone         string               `json:"phone"`
	IsActive      bool                 `json:"is_active"`
	NetworkStatus models.NetworkStatus `json:"network_status"`
	AppVersion    string               `json:"app_version"`
	APIEndpoint   string               `json:"api_endpoint"`
	HasPushToken  bool                 `json:"has_push_token"`
	LastSeenAt    *time.Time           `json:"last_seen_at"`
	LastSyncAt    *time.Time           `json:"last_sync_at"`
	CreatedAt     time.Time            `json:"created_at"`
}

func toBranchResponse(b models.Branch) BranchResponse {
	return BranchResponse{
		ID:            b.ID,
		Code:          b.Code,
		Name:          b.Name,
		Address:       b.Address,
		Phone:         b.Phone,
		IsActive:      b.IsActive,
		NetworkStatus: b.NetworkStatus,
		AppVersion:    b.AppVersion,
		APIEndpoint:   b.APIEndpoint,
		HasPushToken:  b.PushToken != "",
		LastSeenAt:    b.LastSeenAt,
		LastSyncAt:    b.LastSyncAt,
		CreatedAt:     b.CreatedAt,
	}
}

type CreateBranchRequest struct {
	Code        string `json:"code" validate:"required,max=32"`
	Name        string `json:"name" validate:"required,max=100"`
	Address     string `json:"address" validate:"max=255"`
	Phone       string `json:"phone" validate:"max=50"`
	APIEndpoint string `json:"api_endpoint" validate:"omitempty,url,max=255"`
	PushToken   string `json:"push_token" validate:"max=255"`
}

type UpdateBranchRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=100"`
	Address     *string `json:"address" validate:"omitempty,max=255"`
	Phone       *string `json:"phone" validate:"omitempty,max=50"`
	APIEndpoint *string `json:"api_endpoint" validate:"omitempty,max=255"`
	PushToken   *string `json:"push_token" validate:"omitempty,max=255"`
}

// BranchKeyResponse carries the plain API key. It is only ever returned by
// create and rotate-key.
type BranchKeyResponse struct {
	Branch BranchResponse `json:"branch"`
	APIKey string         `json:"api_key"`
}

type actorInfo struct {
	ID   uint
	Name string
}

func actor(c *fiber.Ctx, db *gorm.DB) actorInfo {
	id, err := auth.CurrentUserID(c)
	if err != nil {
		return actorInfo{}
	}
	var user models.User
	if err := db.WithContext(c.UserContext()).Select("id", "name").First(&user, id).Error; err != nil {
		return actorInfo{ID: id}
	}
	return actorInfo{ID: user.ID, Name: user.Name}
}

func branchID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Validation("invalid branch id")
	}
	return uint(id), nil
}

func loadBranch(ctx context.Context, db *gorm.DB, id uint) (*models.Branch, error) {
	var b models.Branch
	err := db.WithContext(ctx).First(&b, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("branch")
	}
	if err != nil {
		return nil, apperr.Internal("").Wrap(err)
	}
	return &b, nil
}

// ----------------------------------------
// BRANCH CRUD
// ----------------------------------------

// POST /api/v1/admin/branches
func CreateBranchHandler(db *gorm.DB, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CreateBranchRequest
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}
		body.Code = strings.ToUpper(strings.TrimSpace(body.Code))
		body.Name = strings.TrimSpace(body.Name)
		if strings.ContainsAny(body.Code, " \t/") {
			return apperr.Validation("branch code must not contain spaces or slashes")
		}

		key, hash, err := auth.GenerateAPIKey(body.Code)
		if err != nil {
			return apperr.Internal("could not generate api key").Wrap(err)
		}

		branch := models.Branch{
			Code:          body.Code,
			Name:          body.Name,
			Address:       body.Address,
			Phone:         strings.TrimSpace(body.Phone),
			IsActive:      true,
			NetworkStatus: models.NetworkUnknown,
			APIEndpoint:   strings.TrimSpace(body.APIEndpoint),
			PushToken:     body.PushToken,
			APIKeyHash:    hash,
		}

		who := actor(c, db)
		err = db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&branch).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return apperr.Conflict("branch code already exists").WithDetail("code", body.Code)
				}
				return apperr.Internal("could not create branch").Wrap(err)
			}
			return audit.WriteLog(c.UserContext(), tx, audit.LogOptions{
				BranchID:    &branch.ID,
				UserID:      who.ID,
				UserName:    who.Name,
				EntityType:  "branch",
				EntityID:    strconv.FormatUint(uint64(branch.ID), 10),
				Action:      models.AuditActionCreate,
				Description: "created branch " + branch.Code,
				After:       toBranchResponse(branch),
			})
		})
		if err != nil {
			return err
		}

		log.Info("branch created", zap.String("branch", branch.Code), zap.Uint("by", who.ID))
		return c.Status(fiber.StatusCreated).JSON(BranchKeyResponse{
			Branch: toBranchResponse(branch),
			APIKey: key,
		})
	}
}

// GET /api/v1/admin/branches?active=true
func ListBranchesHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		q := db.WithContext(c.UserContext()).Model(&models.Branch{})
		switch c.Query("active") {
		case "true":
			q = q.Where("is_active = ?", true)
		case "false":
			q = q.Where("is_active = ?", false)
		}

		var branches []models.Branch
		if err := q.Order("code").Find(&branches).Error; err != nil {
			return apperr.Internal("could not list branches").Wrap(err)
		}

		res := make([]BranchResponse, 0, len(branches))
		for _, b := range branches {
			res = append(res, toBranchResponse(b))
		}
		return c.JSON(res)
	}
}

// GET /api/v1/admin/branches/:id
func GetBranchHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := branchID(c)
		if err != nil {
			return err
		}
		branch, err := loadBranch(c.UserContext(), db, id)
		if err != nil {
			return err
		}
		return c.JSON(toBranchResponse(*branch))
	}
}

// PUT /api/v1/admin/branches/:id
func UpdateBranchHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := branchID(c)
		if err != nil {
			return err
		}
		branch, err := loadBranch(c.UserContext(), db, id)
		if err != nil {
			return err
		}

		var body UpdateBranchRequest
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}

		before := toBranchResponse(*branch)
		if body.Name != nil {
			name := strings.TrimSpace(*body.Name)
			if name == "" {
				return apperr.Validation("branch name must not be empty")
			}
			branch.Name = name
		}
		if body.Address != nil {
			branch.Address = *body.Address
		}
		if body.Phone != nil {
			branch.Phone = strings.TrimSpace(*body.Phone)
		}
		if body.APIEndpoint != nil {
			branch.APIEndpoint = strings.TrimSpace(*body.APIEndpoint)
		}
		if body.PushToken != nil {
			branch.PushToken = *body.PushToken
		}

		who := actor(c, db)
		err = db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
			if err := tx.Save(branch).Error; err != nil {
				return apperr.Internal("could not update branch").Wrap(err)
			}
			return audit.WriteLog(c.UserContext(), tx, audit.LogOptions{
				BranchID:    &branch.ID,
				UserID:      who.ID,
				UserName:    who.Name,
				EntityType:  "branch",
				EntityID:    strconv.FormatUint(uint64(branch.ID), 10),
				Action:      models.AuditActionUpdate,
				Description: "updated branch " + branch.Code,
				Before:      before,
				After:       toBranchResponse(*branch),
			})
		})
		if err != nil {
			return err
		}
		return c.JSON(toBranchResponse(*branch))
	}
}

// POST /api/v1/admin/branches/:id/deactivate
// Branches are never deleted: their ledger and sync history must survive.
func DeactivateBranchHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := branchID(c)
		if err != nil {
			return err
		}
		branch, err := loadBranch(c.UserContext(), db, id)
		if err != nil {
			return err
		}
		if !branch.IsActive {
			return c.JSON(toBranchResponse(*branch))
		}

		who := actor(c, db)
		err = db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(branch).Update("is_active", false).Error; err != nil {
				return apperr.Internal("could not deactivate branch").Wrap(err)
			}
			return audit.WriteLog(c.UserContext(), tx, audit.LogOptions{
				BranchID:    &branch.ID,
				UserID:      who.ID,
				UserName:    who.Name,
				EntityType:  "branch",
				EntityID:    strconv.FormatUint(uint64(branch.ID), 10),
				Action:      models.AuditActionDeactivate,
				Description: "deactivated branch " + branch.Code,
			})
		})
		if err != nil {
			return err
		}
		branch.IsActive = false
		return c.JSON(toBranchResponse(*branch))
	}
}

// POST /api/v1/admin/branches/:id/rotate-key
// The previous key stops working immediately.
func RotateBranchKeyHandler(db *gorm.DB, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := branchID(c)
		if err != nil {
			return err
		}
		branch, err := loadBranch(c.UserContext(), db, id)
		if err != nil {
			return err
		}

		key, hash, err := auth.GenerateAPIKey(branch.Code)
		if err != nil {
			return apperr.Internal("could not generate api key").Wrap(err)
		}

		who := actor(c, db)
		err = db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(branch).Update("api_key_hash", hash).Error; err != nil {
				return apperr.Internal("could not store api key").Wrap(err)
			}
			return audit.WriteLog(c.UserContext(), tx, audit.LogOptions{
				BranchID:    &branch.ID,
				UserID:      who.ID,
				UserName:    who.Name,
				EntityType:  "branch",
				EntityID:    strconv.FormatUint(uint64(branch.ID), 10),
				Action:      models.AuditActionRotateKey,
				Description: "rotated api key of branch " + branch.Code,
			})
		})
		if err != nil {
			return err
		}

		log.Info("branch api key rotated", zap.String("branch", branch.Code), zap.Uint("by", who.ID))
		return c.JSON(BranchKeyResponse{Branch: toBranchResponse(*branch), APIKey: key})
	}
}

// ----------------------------------------
// OPERATORS
// ----------------------------------------

type CreateOperatorRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// POST /api/v1/admin/users
// Operators may trigger syncs and read logs but not manage branches or catalog.
func CreateOperatorHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CreateOperatorRequest
		if err := httpx.Bind(c, &body); err != nil {
			return err
		}
		body.Email = strings.ToLower(strings.TrimSpace(body.Email))
		body.Name = strings.TrimSpace(body.Name)

		hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
		if err != nil {
			return apperr.Internal("could not hash password").Wrap(err)
		}

		user := models.User{
			Name:         body.Name,
			Email:        body.Email,
			PasswordHash: string(hash),
			Role:         models.RoleOperator,
		}
		if err := db.WithContext(c.UserContext()).Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.Conflict("email already registered")
			}
			return apperr.Internal("could not create user").Wrap(err)
		}

		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"id":    user.ID,
			"name":  user.Name,
			"email": user.Email,
			"role":  user.Role,
		})
	}
}
