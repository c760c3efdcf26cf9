package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	errs "github.com/coinpeak/ledgerex/pkg/errors"
	"github.com/coinpeak/ledgerex/pkg/models"
)

// respondError maps a domain error to its HTTP status. Invariant violations
// are logged loudly and surfaced as opaque internal errors.
func (s *Server) respondError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindInvariantViolation || kind == errs.KindInternal {
		s.logger.Error("internal ledger error", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(errs.HTTPStatus(err), gin.H{"error": "internal error", "kind": string(kind)})
		return
	}
	c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error(), "kind": string(kind)})
}

func (s *Server) submitOrder(c *gin.Context) {
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := s.engine.Submit(c.Request.Context(), currentUser(c), &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) listOrders(c *gin.Context) {
	var filter models.OrderFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, offset := pagination(c)

	orders, err := s.engine.ListForUser(c.Request.Context(), currentUser(c), &filter, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := s.engine.Get(c.Request.Context(), currentUser(c), orderID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := s.engine.Cancel(c.Request.Context(), currentUser(c), orderID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// executeOrder is invoked by the matching/pricing feed, which supplies the
// execution price; the ledger never fetches prices itself.
func (s *Server) executeOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	var req models.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := s.engine.Execute(c.Request.Context(), orderID, req.ExecutionPrice)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) listWallets(c *gin.Context) {
	wallets, err := s.wallets.ListForUser(c.Request.Context(), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

func (s *Server) getWallet(c *gin.Context) {
	w, err := s.wallets.Get(c.Request.Context(), currentUser(c), c.Param("currency"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) getWalletJournal(c *gin.Context) {
	w, err := s.wallets.Get(c.Request.Context(), currentUser(c), c.Param("currency"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	entries, err := s.wallets.Journal().EntriesFor(c.Request.Context(), w.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet_id": w.ID, "entries": entries})
}

func (s *Server) reconcileWallet(c *gin.Context) {
	w, err := s.wallets.Get(c.Request.Context(), currentUser(c), c.Param("currency"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.wallets.Journal().Reconcile(c.Request.Context(), w); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet_id": w.ID, "consistent": true})
}

func (s *Server) deposit(c *gin.Context) {
	var req models.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txn, err := s.settler.Deposit(c.Request.Context(), currentUser(c), &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (s *Server) withdraw(c *gin.Context) {
	var req models.WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txn, err := s.settler.Withdraw(c.Request.Context(), currentUser(c), &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (s *Server) listTransactions(c *gin.Context) {
	limit, offset := pagination(c)
	txns, count, err := s.settler.ListTransactions(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "total": count})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
