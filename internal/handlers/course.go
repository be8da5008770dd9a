package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/services"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type CourseHandler struct {
	log     *logger.Logger
	courses services.CourseService
}

func NewCourseHandler(log *logger.Logger, courses services.CourseService) *CourseHandler {
	return &CourseHandler{log: log, courses: courses}
}

type courseView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

func toCourseView(course *types.Course) courseView {
	return courseView{
		ID:        course.ID.String(),
		Title:     course.Title,
		CreatedAt: course.CreatedAt,
	}
}

// Create serves POST /api/courses.
func (h *CourseHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "body", "invalid request body")
		return
	}

	course, err := h.courses.Create(c.Request.Context(), userID, req.Title)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toCourseView(course))
}

// List serves GET /api/courses.
func (h *CourseHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	courses, err := h.courses.List(c.Request.Context(), userID)
	if err != nil {
		RespondError(c, err)
		return
	}
	views := make([]courseView, 0, len(courses))
	for _, course := range courses {
		views = append(views, toCourseView(course))
	}
	RespondOK(c, gin.H{"courses": views})
}

// Get serves GET /api/courses/:id.
func (h *CourseHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	courseID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	course, err := h.courses.Get(c.Request.Context(), userID, courseID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, toCourseView(course))
}
