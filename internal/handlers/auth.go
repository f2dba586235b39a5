package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"cronmesh/internal/middleware"
	"cronmesh/internal/models"
	"cronmesh/internal/services/store"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string        `json:"token"`
	User  *UserResponse `json:"user"`
}

type UserResponse struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func toUserResponse(u *models.User) *UserResponse {
	return &UserResponse{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     u.Role,
	}
}

func (h *Handlers) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	user, err := h.Store.FindUserByUsername(c.UserContext(), req.Username)
	if errors.Is(err, store.ErrUserNotFound) || (err == nil && !user.CheckPassword(req.Password)) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid credentials",
		})
	}
	if err != nil {
		return h.storeError(c, err)
	}

	token, err := middleware.GenerateToken(h.JWT, user.ID, user.Username, user.Role)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate token",
		})
	}

	c.Cookie(&fiber.Cookie{
		Name:     "token",
		Value:    token,
		HTTPOnly: true,
		MaxAge:   int(h.JWT.Expiry.Seconds()),
		Path:     "/",
	})

	return c.JSON(LoginResponse{
		Token: token,
		User:  toUserResponse(user),
	})
}

func (h *Handlers) Logout(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:     "token",
		Value:    "",
		HTTPOnly: true,
		MaxAge:   -1,
		Path:     "/",
	})

	return c.JSON(fiber.Map{
		"message": "Logged out successfully",
	})
}

// Register creates a regular user account.
func (h *Handlers) Register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.Username == "" || len(req.Password) < 6 {
		return badRequest(c, "Username and a password of at least 6 characters are required")
	}

	if _, err := h.Store.FindUserByUsername(c.UserContext(), req.Username); err == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Username already taken",
		})
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return h.storeError(c, err)
	}

	user := models.User{Username: req.Username, Email: req.Email, Role: "user"}
	if err := user.SetPassword(req.Password); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to hash password",
		})
	}
	if err := h.Store.CreateUser(c.UserContext(), &user); err != nil {
		return h.storeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "User created successfully",
		"userId":  user.ID,
	})
}

func (h *Handlers) GetProfile(c *fiber.Ctx) error {
	user, err := h.Store.GetUser(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(toUserResponse(user))
}
