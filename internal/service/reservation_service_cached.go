package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type cachedReservationService struct {
	next        ReservationService
	redisClient *redis.Client
	cacheTTL    time.Duration
}

// NewCachedReservationService wraps a ReservationService with a redis cache
// for the availability listing. Cache failures degrade to the underlying
// service rather than failing the request.
func NewCachedReservationService(next ReservationService, redisClient *redis.Client, cacheTTL time.Duration) ReservationService {
	return &cachedReservationService{
		next:        next,
		redisClient: redisClient,
		cacheTTL:    cacheTTL,
	}
}

func slotsKey(productID int64, date string) string {
	return fmt.Sprintf("slots:%d:%s", productID, date)
}

func (s *cachedReservationService) IsSlotFree(ctx context.Context, productID int64, date, slotTime string) (bool, error) {
	return s.next.IsSlotFree(ctx, productID, date, slotTime)
}

func (s *cachedReservationService) ListFreeSlots(ctx context.Context, productID int64, date string) ([]string, error) {
	key := slotsKey(productID, date)

	if val, err := s.redisClient.Get(ctx, key).Result(); err == nil {
		var slots []string
		if err := json.Unmarshal([]byte(val), &slots); err == nil {
			return slots, nil
		}
	}

	slots, err := s.next.ListFreeSlots(ctx, productID, date)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(slots); err == nil {
		s.redisClient.Set(ctx, key, data, s.cacheTTL)
	}

	return slots, nil
}

func (s *cachedReservationService) InvalidateSlots(ctx context.Context, productID int64, date string) {
	s.redisClient.Del(ctx, slotsKey(productID, date))
	s.next.InvalidateSlots(ctx, productID, date)
}
