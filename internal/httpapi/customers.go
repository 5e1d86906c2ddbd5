package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roach88/fieldsync/internal/customers"
	"github.com/roach88/fieldsync/internal/model"
)

func (s *Server) listCustomers(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		errorJSON(c, http.StatusBadRequest, "tenant is required")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	opts := customers.ListOptions{Query: c.Query("q"), Limit: limit, Offset: offset}

	ctx := c.Request.Context()
	list, err := s.deps.Customers.List(ctx, tenant, opts)
	if err != nil {
		s.customerError(c, err)
		return
	}
	total, err := s.deps.Customers.Count(ctx, tenant, opts.Query)
	if err != nil {
		s.customerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": list, "total": total})
}

func (s *Server) getCustomer(c *gin.Context) {
	cust, err := s.deps.Customers.GetByID(c.Request.Context(), c.Query("tenant"), c.Param("id"))
	if err != nil {
		s.customerError(c, err)
		return
	}
	c.JSON(http.StatusOK, cust)
}

func (s *Server) createCustomer(c *gin.Context) {
	var in model.Customer
	if err := c.ShouldBindJSON(&in); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.deps.Customers.Create(c.Request.Context(), in)
	if err != nil {
		s.customerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) customerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, customers.ErrNotFound):
		errorJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, customers.ErrInvalid):
		errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, customers.ErrUnsupported):
		errorJSON(c, http.StatusNotImplemented, err.Error())
	default:
		s.log.Error("customer request failed", "path", c.FullPath(), "error", err)
		errorJSON(c, http.StatusBadGateway, "customer provider failed")
	}
}
