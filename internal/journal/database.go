package journal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-qos1-broker/internal/config"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/utils"
)

var ErrEmptyBatch = errors.New("no records to save")

// MongoStore 将发布记录写入 MongoDB messages 集合
type MongoStore struct {
	client           *mongo.Client
	messages         *mongo.Collection
	operationTimeout time.Duration
}

func databaseURL(config c.Config) string {
	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Database.Username)
	encodedPass := url.QueryEscape(config.Database.Password)
	if encodedUser == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Database.Host, config.Database.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Database.Host,
		config.Database.Port,
	)
}

func clientOptions(config c.Config) *options.ClientOptions {
	opts := options.Client().ApplyURI(databaseURL(config)).SetAppName(config.AppName)
	// 连接池配置
	opts.SetMinPoolSize(config.Database.MinPoolSize)
	opts.SetMaxPoolSize(config.Database.MaxPoolSize)
	opts.SetMaxConnIdleTime(utils.ParseStringTimeOr(config.Database.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	opts.SetConnectTimeout(utils.ParseStringTimeOr(config.Database.ConnectTimeout, 10*time.Second))
	opts.SetSocketTimeout(utils.ParseStringTimeOr(config.Database.SocketTimeout, 10*time.Second))
	// 心跳包
	opts.SetHeartbeatInterval(utils.ParseStringTimeOr(config.Database.Heartbeat, 10*time.Second))
	if config.Database.UseTLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: false})
	}
	// 连接池监控
	opts.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s #%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s #%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})
	return opts
}

// ConnectDatabase 连接 MongoDB 并确保 messages 集合索引存在
func ConnectDatabase(ctx context.Context, config c.Config) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(config))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	messages := client.Database(config.Database.Database).Collection(MessageCollectionName)
	_, err = messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "client_id", Value: 1}, {Key: "received_at", Value: -1}},
			Options: options.Index().SetName("messages_client_received"),
		},
		{
			Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "received_at", Value: -1}},
			Options: options.Index().SetName("messages_topic_received"),
		},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	logger.InfoF("Connected to database %s at %s:%d", config.Database.Database, config.Database.Host, config.Database.Port)
	return &MongoStore{
		client:           client,
		messages:         messages,
		operationTimeout: utils.ParseStringTimeOr(config.Database.OperationTimeout, 5*time.Second),
	}, nil
}

func (ms *MongoStore) SaveMessages(ctx context.Context, records []MessageRecord) error {
	if len(records) == 0 {
		return ErrEmptyBatch
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	documents := make([]interface{}, len(records))
	for i := range records {
		documents[i] = records[i]
	}

	startTime := time.Now()
	result, err := ms.messages.InsertMany(ctx, documents, options.InsertMany().SetOrdered(false))
	logger.DebugF("journal insert cost: %v", time.Since(startTime))
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	logger.DebugF("Journal saved %d messages", len(result.InsertedIDs))
	return nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
