package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"camwatch-backend/internal/identity"
	"camwatch-backend/internal/model"
)

type putSubscriptionRequest struct {
	Endpoint            string   `json:"endpoint" binding:"required"`
	P256DH              string   `json:"p256dh" binding:"required"`
	Auth                string   `json:"auth" binding:"required"`
	SubscribedEmployees []string `json:"subscribed_employees"`
}

// PutSubscription creates or replaces a supervisor's push subscription together with
// the employees it follows.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}

	emails := make([]string, 0, len(req.SubscribedEmployees))
	for _, e := range req.SubscribedEmployees {
		if email := identity.NormalizeEmail(e); email != "" {
			emails = append(emails, email)
		}
	}

	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}

	err := h.store.DB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(&subscription).Error; err != nil {
			return err
		}

		var employees []model.Employee
		if len(emails) > 0 {
			if err := tx.Where("email IN ?", emails).Find(&employees).Error; err != nil {
				return err
			}
		}

		return tx.Model(&subscription).Association("Employees").Replace(&employees)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusCreated)
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription handles the deletion of a subscription.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}

	err := h.store.DB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		sub := &model.PushSubscription{Endpoint: req.Endpoint}
		if err := tx.Model(sub).Association("Employees").Clear(); err != nil {
			return err
		}
		return tx.Delete(sub).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// GetSubscription returns the employees a subscription follows. Push endpoints carry
// their own query strings, so the endpoint parameter must be URL-encoded.
func (h *Handler) GetSubscription(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}
	if _, err := url.Parse(endpoint); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is not a URL"})
		return
	}

	var subscription model.PushSubscription
	err := h.store.DB().WithContext(c.Request.Context()).
		Preload("Employees").
		First(&subscription, "endpoint = ?", endpoint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	emails := make([]string, len(subscription.Employees))
	for i, e := range subscription.Employees {
		emails[i] = e.Email
	}

	c.JSON(http.StatusOK, gin.H{"subscribed_employees": emails})
}
