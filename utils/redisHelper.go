package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

// StoreRedis caches one instance by type name + id.
func StoreRedis[T any](obj any, id int) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.SetRedisObject(key, &obj, GetCacheLifespan())
}

// RetrieveRedis returns the cached instance or nil on miss.
func RetrieveRedis[T any](id int) (*T, error) {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	var obj T
	found, err := config.GetRedisObject(key, &obj)
	if err != nil || !found {
		return nil, err
	}
	return &obj, nil
}

// RemoveRedis drops the cached instance after a mutation.
func RemoveRedis[T any](id int) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.RemoveRedisKey(key)
}
